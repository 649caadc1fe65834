package nrepl

// Request is one client-to-server message. Op and ID are always present;
// everything else is operation-specific and only serialized when set. A nil
// slice is omitted, an empty non-nil slice is sent as an empty list.
type Request struct {
	Op string
	ID string

	Session string

	// eval
	Code string

	// load-file
	File     string
	FilePath string
	FileName string

	// interrupt
	InterruptID string

	// stdin
	Stdin string

	// describe. Omitted when false, which servers treat the same way.
	Verbose bool

	// completions
	Prefix     string
	CompleteFn string
	NS         string
	Options    string

	// lookup
	Sym      string
	LookupFn string

	// add-middleware / swap-middleware
	Middleware      []string
	ExtraNamespaces []string
}

// Response is one server-to-client message. Optional fields stay at their
// zero value when absent; a missing field is never a decode error. String
// fields that may legitimately carry an empty value are pointers so absence
// is distinguishable.
type Response struct {
	ID      string
	Session string
	Status  []string

	Value *string
	Out   *string
	Err   *string
	NS    *string

	// clone
	NewSession *string

	// ls-sessions
	Sessions []string

	// completions
	Completions []string

	// describe
	Ops      map[string]string
	Versions map[string]string
	Aux      map[string]string

	// lookup
	Info map[string]string

	// middleware operations
	Middleware           []string
	UnresolvedMiddleware []string
}

// HasStatus reports whether the given status token is present.
func (r *Response) HasStatus(token string) bool {
	for _, s := range r.Status {
		if s == token {
			return true
		}
	}
	return false
}

// EvalResult accumulates the messages of one streaming operation. Value and
// NS are last-write-wins across the messages; Output and Errors keep the
// out/err stream fragments in arrival order.
type EvalResult struct {
	Value  string
	Output []string
	Errors []string
	NS     string
}

// Capabilities is the result of a describe query. The nested capability maps
// vary by server implementation, so values are canonicalized renderings.
type Capabilities struct {
	Ops      map[string]string
	Versions map[string]string
	Aux      map[string]string
}

// MiddlewareList is the result of a middleware operation.
type MiddlewareList struct {
	Middleware []string
	Unresolved []string
}

func responseFromValue(v Value) Response {
	var resp Response
	for _, e := range v.Dict() {
		switch e.Key {
		case "id":
			resp.ID = e.Val.Render()
		case "session":
			resp.Session = e.Val.Render()
		case "status":
			resp.Status = stringsFromValue(e.Val)
		case "value":
			s := e.Val.Render()
			if e.Val.Kind() == KindString {
				s = stripQuoted(s)
			}
			resp.Value = &s
		case "out":
			s := e.Val.Render()
			resp.Out = &s
		case "err":
			s := e.Val.Render()
			resp.Err = &s
		case "ns":
			s := e.Val.Render()
			resp.NS = &s
		case "new-session":
			s := e.Val.Render()
			resp.NewSession = &s
		case "sessions":
			resp.Sessions = stringsFromValue(e.Val)
		case "completions":
			resp.Completions = stringsFromValue(e.Val)
		case "ops":
			resp.Ops = mapFromValue(e.Val)
		case "versions":
			resp.Versions = mapFromValue(e.Val)
		case "aux":
			resp.Aux = mapFromValue(e.Val)
		case "info":
			resp.Info = mapFromValue(e.Val)
		case "middleware":
			resp.Middleware = stringsFromValue(e.Val)
		case "unresolved-middleware":
			resp.UnresolvedMiddleware = stringsFromValue(e.Val)
		}
	}
	return resp
}

func stringsFromValue(v Value) []string {
	switch v.Kind() {
	case KindList:
		out := make([]string, len(v.List()))
		for i, item := range v.List() {
			out[i] = item.Render()
		}
		return out
	case KindString:
		return []string{v.Str()}
	default:
		return nil
	}
}

// mapFromValue decodes a dictionary-shaped field. Some servers send an empty
// list where a dictionary is expected to mean "no data", so that case maps
// to nil rather than an error.
func mapFromValue(v Value) map[string]string {
	if v.Kind() != KindDict {
		return nil
	}
	if len(v.Dict()) == 0 {
		return nil
	}
	out := make(map[string]string, len(v.Dict()))
	for _, e := range v.Dict() {
		out[e.Key] = e.Val.Render()
	}
	return out
}
