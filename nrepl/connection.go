package nrepl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/waddie/nrepl.hx/internal/observability"
)

const readChunkSize = 4096

// Conn is one client connection to an nREPL server. It owns exactly one TCP
// stream, one persistent receive buffer, one session registry and one
// request-id counter.
//
// A Conn permits at most one outstanding request at a time: correlation,
// buffering and the timed-out id bookkeeping all assume a single reader of
// the stream. The engine therefore takes no internal locks. A caller sharing
// one Conn across goroutines must serialize access for the duration of each
// call, or funnel calls through a single-consumer dispatcher; concurrency
// across evaluations is achieved by opening more connections.
type Conn struct {
	cfg    Config
	stream net.Conn
	log    zerolog.Logger

	// buf is the persistent receive buffer. Bencode has no frame delimiter
	// and multiple responses routinely arrive coalesced in one segment, so
	// only the consumed prefix is ever drained.
	buf  []byte
	rbuf []byte

	sessions   map[string]Session
	reqCounter uint64

	// timedOut holds ids whose caller-side wait expired but whose response
	// may still arrive on the shared stream.
	timedOut map[string]struct{}

	closed bool
}

// Dial connects to an nREPL server at host:port over plain TCP.
func Dial(addr string) (*Conn, error) {
	return DialConfig(addr, DefaultConfig())
}

// DialConfig connects with explicit settings.
func DialConfig(addr string, cfg Config) (*Conn, error) {
	cfg.Limits.applyDefaults()
	cfg.Timeouts.applyDefaults()
	stream, err := net.DialTimeout("tcp", addr, cfg.Timeouts.Connect)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	c := newConn(stream, cfg)
	c.log.Info().Str("addr", addr).Msg("connected")
	return c, nil
}

func newConn(stream net.Conn, cfg Config) *Conn {
	cfg.Limits.applyDefaults()
	cfg.Timeouts.applyDefaults()
	return &Conn{
		cfg:      cfg,
		stream:   stream,
		log:      cfg.Logger,
		rbuf:     make([]byte, readChunkSize),
		sessions: make(map[string]Session),
		timedOut: make(map[string]struct{}),
	}
}

func (c *Conn) nextID() string {
	if c.cfg.NextID != nil {
		return c.cfg.NextID()
	}
	c.reqCounter++
	return "req-" + strconv.FormatUint(c.reqCounter, 10)
}

// Sessions lists the sessions tracked by this connection, sorted by id.
func (c *Conn) Sessions() []Session {
	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CloneSession asks the server for a fresh evaluation context and tracks it
// in the connection's registry.
func (c *Conn) CloneSession(ctx context.Context) (Session, error) {
	req := &Request{Op: "clone", ID: c.nextID()}
	resp, err := c.roundTrip(ctx, "clone", req, c.cfg.Timeouts.Clone)
	if err != nil {
		return Session{}, err
	}
	if resp.NewSession == nil || *resp.NewSession == "" {
		return Session{}, &ProtocolError{Msg: "clone response is missing new-session"}
	}
	s := Session{id: *resp.NewSession}
	c.sessions[s.id] = s
	c.log.Debug().Str("session", s.id).Msg("session cloned")
	return s, nil
}

// Eval evaluates code in a session with the default eval timeout.
func (c *Conn) Eval(ctx context.Context, session Session, code string) (*EvalResult, error) {
	return c.EvalWithTimeout(ctx, session, code, c.cfg.Timeouts.Eval)
}

// EvalWithTimeout evaluates code with a caller-chosen deadline. Out/err
// fragments are appended in arrival order; value and ns are overwritten on
// each occurrence, so multi-form evaluations report the last form's result.
func (c *Conn) EvalWithTimeout(ctx context.Context, session Session, code string, timeout time.Duration) (*EvalResult, error) {
	if err := c.checkSession(session); err != nil {
		return nil, err
	}
	req := &Request{Op: "eval", ID: c.nextID(), Session: session.id, Code: code}
	return c.streamed(ctx, "eval", req, timeout)
}

// LoadFile evaluates whole-file contents in a session. Path and name are
// optional context for the server's error messages; pass "" to omit them.
func (c *Conn) LoadFile(ctx context.Context, session Session, contents, path, name string) (*EvalResult, error) {
	if err := c.checkSession(session); err != nil {
		return nil, err
	}
	req := &Request{
		Op:       "load-file",
		ID:       c.nextID(),
		Session:  session.id,
		File:     contents,
		FilePath: path,
		FileName: name,
	}
	return c.streamed(ctx, "load-file", req, c.cfg.Timeouts.Eval)
}

// Interrupt asks the server to cancel an in-flight evaluation. requestID is
// the id of the eval request to cancel; pass "" to target the session's
// current evaluation.
//
// Interrupt cannot help while this same connection is still blocked inside a
// concurrent eval's read loop, since the interrupt request cannot be sent
// until that loop returns. Issue it from a second connection to interrupt a
// running eval.
func (c *Conn) Interrupt(ctx context.Context, session Session, requestID string) error {
	if err := c.checkSession(session); err != nil {
		return err
	}
	req := &Request{Op: "interrupt", ID: c.nextID(), Session: session.id, InterruptID: requestID}
	return c.loopedAck(ctx, "interrupt", req, c.cfg.Timeouts.Interrupt)
}

// CloseSession closes a session on the server and drops it from the local
// registry. Closing a session this connection does not track fails with
// SessionNotFoundError before any network I/O.
func (c *Conn) CloseSession(ctx context.Context, session Session) error {
	if err := c.checkSession(session); err != nil {
		return err
	}
	req := &Request{Op: "close", ID: c.nextID(), Session: session.id}
	if err := c.loopedAck(ctx, "close", req, c.cfg.Timeouts.CloseSession); err != nil {
		return err
	}
	delete(c.sessions, session.id)
	c.log.Debug().Str("session", session.id).Msg("session closed")
	return nil
}

// Describe queries the server's capabilities.
func (c *Conn) Describe(ctx context.Context, verbose bool) (Capabilities, error) {
	req := &Request{Op: "describe", ID: c.nextID(), Verbose: verbose}
	resp, err := c.roundTrip(ctx, "describe", req, c.cfg.Timeouts.Request)
	if err != nil {
		return Capabilities{}, err
	}
	return Capabilities{Ops: resp.Ops, Versions: resp.Versions, Aux: resp.Aux}, nil
}

// LsSessions lists the session ids the server currently holds. This is the
// server's view; only sessions cloned through this connection are usable
// with it.
func (c *Conn) LsSessions(ctx context.Context) ([]string, error) {
	req := &Request{Op: "ls-sessions", ID: c.nextID()}
	resp, err := c.roundTrip(ctx, "ls-sessions", req, c.cfg.Timeouts.Request)
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Stdin feeds input to a session for code blocked reading from stdin.
func (c *Conn) Stdin(ctx context.Context, session Session, data string) error {
	if err := c.checkSession(session); err != nil {
		return err
	}
	req := &Request{Op: "stdin", ID: c.nextID(), Session: session.id, Stdin: data}
	_, err := c.roundTrip(ctx, "stdin", req, c.cfg.Timeouts.Request)
	return err
}

// Completions returns completion candidates for a prefix. ns and completeFn
// are optional; pass "" to omit them.
func (c *Conn) Completions(ctx context.Context, session Session, prefix, ns, completeFn string) ([]string, error) {
	if err := c.checkSession(session); err != nil {
		return nil, err
	}
	req := &Request{
		Op:         "completions",
		ID:         c.nextID(),
		Session:    session.id,
		Prefix:     prefix,
		NS:         ns,
		CompleteFn: completeFn,
	}
	resp, err := c.roundTrip(ctx, "completions", req, c.cfg.Timeouts.Request)
	if err != nil {
		return nil, err
	}
	return resp.Completions, nil
}

// Lookup returns symbol metadata. An empty map means the server had no
// information for the symbol.
func (c *Conn) Lookup(ctx context.Context, session Session, sym, ns, lookupFn string) (map[string]string, error) {
	if err := c.checkSession(session); err != nil {
		return nil, err
	}
	req := &Request{
		Op:       "lookup",
		ID:       c.nextID(),
		Session:  session.id,
		Sym:      sym,
		NS:       ns,
		LookupFn: lookupFn,
	}
	resp, err := c.roundTrip(ctx, "lookup", req, c.cfg.Timeouts.Request)
	if err != nil {
		return nil, err
	}
	return resp.Info, nil
}

// LsMiddleware lists the middleware loaded on the server.
func (c *Conn) LsMiddleware(ctx context.Context) (MiddlewareList, error) {
	req := &Request{Op: "ls-middleware", ID: c.nextID()}
	return c.middlewareOp(ctx, "ls-middleware", req)
}

// AddMiddleware adds middleware to the server's stack.
func (c *Conn) AddMiddleware(ctx context.Context, middleware, extraNamespaces []string) (MiddlewareList, error) {
	req := &Request{
		Op:              "add-middleware",
		ID:              c.nextID(),
		Middleware:      middleware,
		ExtraNamespaces: extraNamespaces,
	}
	return c.middlewareOp(ctx, "add-middleware", req)
}

// SwapMiddleware replaces the server's middleware stack.
func (c *Conn) SwapMiddleware(ctx context.Context, middleware, extraNamespaces []string) (MiddlewareList, error) {
	req := &Request{
		Op:              "swap-middleware",
		ID:              c.nextID(),
		Middleware:      middleware,
		ExtraNamespaces: extraNamespaces,
	}
	return c.middlewareOp(ctx, "swap-middleware", req)
}

func (c *Conn) middlewareOp(ctx context.Context, op string, req *Request) (MiddlewareList, error) {
	resp, err := c.roundTrip(ctx, op, req, c.cfg.Timeouts.Request)
	if err != nil {
		return MiddlewareList{}, err
	}
	return MiddlewareList{Middleware: resp.Middleware, Unresolved: resp.UnresolvedMiddleware}, nil
}

// Shutdown closes every tracked session, then the transport. It is
// best-effort: per-session failures are collected and reported but do not
// stop the remaining sessions or the transport from closing.
func (c *Conn) Shutdown(ctx context.Context) error {
	var errs []error
	for _, s := range c.Sessions() {
		if err := c.CloseSession(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", s.id, err))
		}
	}
	c.closed = true
	if err := c.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close tears down the transport without closing sessions on the server.
// Prefer Shutdown: sessions left open leak state server-side.
func (c *Conn) Close() error {
	if n := len(c.sessions); n > 0 {
		c.log.Warn().Int("sessions", n).Msg("closing connection with sessions still open; server-side state will leak")
	}
	c.closed = true
	return c.stream.Close()
}

func (c *Conn) checkSession(s Session) error {
	if _, ok := c.sessions[s.id]; !ok {
		return &SessionNotFoundError{ID: s.id}
	}
	return nil
}

// roundTrip sends a request and returns the first response carrying its id.
func (c *Conn) roundTrip(ctx context.Context, op string, req *Request, timeout time.Duration) (Response, error) {
	start := time.Now()
	resp, err := c.doRoundTrip(ctx, op, req, timeout)
	observability.RecordOperation(op, errorLabel(err), time.Since(start))
	return resp, err
}

func (c *Conn) doRoundTrip(ctx context.Context, op string, req *Request, timeout time.Duration) (Response, error) {
	deadline, stop, err := c.begin(ctx, timeout)
	if err != nil {
		return Response{}, err
	}
	defer stop()

	if err := c.send(ctx, op, req, timeout, deadline); err != nil {
		return Response{}, err
	}
	resp, err := c.awaitResponse(ctx, op, req.ID, timeout, deadline)
	if err != nil {
		return Response{}, err
	}
	if resp.HasStatus("error") {
		return Response{}, &OperationFailedError{Msg: respFailure(&resp)}
	}
	return resp, nil
}

// loopedAck reads until the request's id arrives with a done status. A
// response carrying err fails the operation.
func (c *Conn) loopedAck(ctx context.Context, op string, req *Request, timeout time.Duration) error {
	start := time.Now()
	err := c.doLoopedAck(ctx, op, req, timeout)
	observability.RecordOperation(op, errorLabel(err), time.Since(start))
	return err
}

func (c *Conn) doLoopedAck(ctx context.Context, op string, req *Request, timeout time.Duration) error {
	deadline, stop, err := c.begin(ctx, timeout)
	if err != nil {
		return err
	}
	defer stop()

	if err := c.send(ctx, op, req, timeout, deadline); err != nil {
		return err
	}
	for {
		resp, err := c.awaitResponse(ctx, op, req.ID, timeout, deadline)
		if err != nil {
			return err
		}
		if resp.Err != nil {
			c.forget(req.ID)
			return &OperationFailedError{Msg: *resp.Err}
		}
		if resp.HasStatus("done") {
			return nil
		}
	}
}

// streamed runs an accumulating operation: every out/err fragment is folded
// into the result under the configured caps until a done status arrives.
func (c *Conn) streamed(ctx context.Context, op string, req *Request, timeout time.Duration) (*EvalResult, error) {
	start := time.Now()
	res, err := c.doStreamed(ctx, op, req, timeout)
	observability.RecordOperation(op, errorLabel(err), time.Since(start))
	return res, err
}

func (c *Conn) doStreamed(ctx context.Context, op string, req *Request, timeout time.Duration) (*EvalResult, error) {
	deadline, stop, err := c.begin(ctx, timeout)
	if err != nil {
		return nil, err
	}
	defer stop()

	if err := c.send(ctx, op, req, timeout, deadline); err != nil {
		return nil, err
	}

	res := &EvalResult{}
	entries := 0
	totalBytes := 0
	fold := func(dst *[]string, fragment string) error {
		entries++
		if entries > c.cfg.Limits.MaxOutputEntries {
			return &ProtocolError{
				Msg: fmt.Sprintf("%s produced more than %d output entries", op, c.cfg.Limits.MaxOutputEntries),
			}
		}
		totalBytes += len(fragment)
		if totalBytes > c.cfg.Limits.MaxOutputTotalSize {
			return &ProtocolError{
				Msg: fmt.Sprintf("%s output exceeds %d bytes", op, c.cfg.Limits.MaxOutputTotalSize),
			}
		}
		*dst = append(*dst, fragment)
		return nil
	}

	for {
		resp, err := c.awaitResponse(ctx, op, req.ID, timeout, deadline)
		if err != nil {
			return nil, err
		}
		if resp.Out != nil {
			if err := fold(&res.Output, *resp.Out); err != nil {
				// The server will keep streaming for this id; treat it like
				// a timed-out request so the remainder is discarded.
				c.forget(req.ID)
				return nil, err
			}
		}
		if resp.Err != nil {
			if err := fold(&res.Errors, *resp.Err); err != nil {
				c.forget(req.ID)
				return nil, err
			}
		}
		if resp.Value != nil {
			res.Value = *resp.Value
		}
		if resp.NS != nil {
			res.NS = *resp.NS
		}
		if resp.HasStatus("done") {
			return res, nil
		}
	}
}

// begin validates connection state and computes the operation deadline,
// arming context cancellation to cut blocking I/O short.
func (c *Conn) begin(ctx context.Context, timeout time.Duration) (time.Time, func(), error) {
	if c.closed {
		return time.Time{}, nil, &ConnectionError{Err: net.ErrClosed}
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stop := func() {}
	if ctx.Done() != nil {
		afterStop := context.AfterFunc(ctx, func() {
			// Force in-flight reads and writes to fail immediately.
			c.stream.SetReadDeadline(time.Unix(1, 0))
			c.stream.SetWriteDeadline(time.Unix(1, 0))
		})
		stop = func() { afterStop() }
	}
	return deadline, stop, nil
}

func (c *Conn) send(ctx context.Context, op string, req *Request, timeout time.Duration, deadline time.Time) error {
	payload, err := encodeRequest(req)
	if err != nil {
		return err
	}
	// Cancellation may have fired before the deadline below is armed, in
	// which case setting it would undo the forced punch-out.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.stream.SetWriteDeadline(deadline); err != nil {
		return &ConnectionError{Err: err}
	}
	if _, err := c.stream.Write(payload); err != nil {
		return c.ioError(ctx, op, req.ID, timeout, err)
	}
	return nil
}

// awaitResponse reads responses until one matches id. A response for a
// timed-out id is discarded and the id forgotten; any other mismatch is a
// stale message from a discarded request and is skipped.
func (c *Conn) awaitResponse(ctx context.Context, op, id string, timeout time.Duration, deadline time.Time) (Response, error) {
	for {
		resp, err := c.readResponse(ctx, op, id, timeout, deadline)
		if err != nil {
			return Response{}, err
		}
		if resp.ID == id {
			return resp, nil
		}
		if _, ok := c.timedOut[resp.ID]; ok {
			delete(c.timedOut, resp.ID)
			c.log.Debug().Str("id", resp.ID).Msg("discarding late response for timed-out request")
			continue
		}
		c.log.Debug().Str("id", resp.ID).Str("want", id).Msg("skipping stale response")
	}
}

// readResponse produces exactly one decoded response. If the buffer already
// holds a complete message no socket read happens; otherwise each incomplete
// decode is followed by exactly one read, bounded by MaxIncompleteReads.
func (c *Conn) readResponse(ctx context.Context, op, id string, timeout time.Duration, deadline time.Time) (Response, error) {
	incomplete := 0
	for {
		if len(c.buf) > 0 {
			resp, n, err := decodeResponse(c.buf, c.cfg.Limits)
			if err == nil {
				c.buf = c.buf[:copy(c.buf, c.buf[n:])]
				return resp, nil
			}
			if !errors.Is(err, ErrIncomplete) {
				return Response{}, err
			}
		}
		if incomplete >= c.cfg.Limits.MaxIncompleteReads {
			return Response{}, &ProtocolError{
				Msg: fmt.Sprintf("no complete message after %d reads", incomplete),
			}
		}
		if cerr := ctx.Err(); cerr != nil {
			// The request is in flight; its response must be discarded when
			// it eventually arrives.
			c.timedOut[id] = struct{}{}
			return Response{}, cerr
		}
		if err := c.stream.SetReadDeadline(deadline); err != nil {
			return Response{}, &ConnectionError{Err: err}
		}
		n, err := c.stream.Read(c.rbuf)
		if err != nil {
			return Response{}, c.ioError(ctx, op, id, timeout, err)
		}
		if len(c.buf)+n > c.cfg.Limits.MaxResponseSize {
			return Response{}, &ProtocolError{
				Msg: fmt.Sprintf("message exceeds maximum response size of %d bytes", c.cfg.Limits.MaxResponseSize),
			}
		}
		c.buf = append(c.buf, c.rbuf[:n]...)
		incomplete++
	}
}

// ioError classifies a transport failure. Deadline expiry becomes a
// TimeoutError and records the request id as orphaned, since the server may
// still reply for it on the shared stream. Anything else, including the peer
// closing the connection, is a ConnectionError.
func (c *Conn) ioError(ctx context.Context, op, id string, timeout time.Duration, err error) error {
	if isDeadlineErr(err) {
		c.timedOut[id] = struct{}{}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TimeoutError{Op: op, Duration: timeout}
	}
	return &ConnectionError{Err: err}
}

func (c *Conn) forget(id string) {
	c.timedOut[id] = struct{}{}
}

func isDeadlineErr(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func respFailure(resp *Response) string {
	if resp.Err != nil && *resp.Err != "" {
		return *resp.Err
	}
	return "server reported status " + fmt.Sprint(resp.Status)
}
