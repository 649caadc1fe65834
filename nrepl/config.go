package nrepl

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
)

// Limits constrains decode and accumulation memory use against an untrusted
// or malfunctioning peer.
type Limits struct {
	// MaxStringLen caps the length prefix of a single bencode string. A
	// prefix beyond it is rejected before any data is read.
	MaxStringLen int
	// MaxResponseSize caps the receive buffer. It is checked before bytes
	// are appended, never after.
	MaxResponseSize int
	// MaxOutputEntries caps the combined number of out/err fragments one
	// streaming operation may accumulate.
	MaxOutputEntries int
	// MaxOutputTotalSize caps the combined byte size of those fragments.
	MaxOutputTotalSize int
	// MaxIncompleteReads caps how many socket reads may be spent trying to
	// complete a single message.
	MaxIncompleteReads int
}

func DefaultLimits() Limits {
	return Limits{
		MaxStringLen:       100 * 1024 * 1024,
		MaxResponseSize:    128 * 1024 * 1024,
		MaxOutputEntries:   10_000,
		MaxOutputTotalSize: 16 * 1024 * 1024,
		MaxIncompleteReads: 1_000,
	}
}

// Timeouts holds per-operation deadlines. A context with an earlier deadline
// always wins.
type Timeouts struct {
	Connect      time.Duration
	Clone        time.Duration
	Eval         time.Duration
	CloseSession time.Duration
	Interrupt    time.Duration
	// Request covers the remaining single-response operations: describe,
	// ls-sessions, stdin, completions, lookup and the middleware ops.
	Request time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:      5 * time.Second,
		Clone:        30 * time.Second,
		Eval:         60 * time.Second,
		CloseSession: 10 * time.Second,
		Interrupt:    10 * time.Second,
		Request:      30 * time.Second,
	}
}

// Config carries connection settings. The zero value of any field falls back
// to its default.
type Config struct {
	Limits   Limits
	Timeouts Timeouts

	// NextID overrides request id generation. The default is an
	// instance-scoped counter formatting ids as "req-N"; ids only need to be
	// unique within one connection's lifetime. Use NewUUIDGenerator for
	// process-wide uniqueness.
	NextID func() string

	// Logger defaults to a no-op logger.
	Logger zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Limits:   DefaultLimits(),
		Timeouts: DefaultTimeouts(),
		Logger:   zerolog.Nop(),
	}
}

// NewUUIDGenerator returns a request id generator producing random UUIDs.
func NewUUIDGenerator() func() string {
	return func() string {
		return uuid.Must(uuid.NewV4()).String()
	}
}

func (l *Limits) applyDefaults() {
	def := DefaultLimits()
	if l.MaxStringLen <= 0 {
		l.MaxStringLen = def.MaxStringLen
	}
	if l.MaxResponseSize <= 0 {
		l.MaxResponseSize = def.MaxResponseSize
	}
	if l.MaxOutputEntries <= 0 {
		l.MaxOutputEntries = def.MaxOutputEntries
	}
	if l.MaxOutputTotalSize <= 0 {
		l.MaxOutputTotalSize = def.MaxOutputTotalSize
	}
	if l.MaxIncompleteReads <= 0 {
		l.MaxIncompleteReads = def.MaxIncompleteReads
	}
}

func (t *Timeouts) applyDefaults() {
	def := DefaultTimeouts()
	if t.Connect <= 0 {
		t.Connect = def.Connect
	}
	if t.Clone <= 0 {
		t.Clone = def.Clone
	}
	if t.Eval <= 0 {
		t.Eval = def.Eval
	}
	if t.CloseSession <= 0 {
		t.CloseSession = def.CloseSession
	}
	if t.Interrupt <= 0 {
		t.Interrupt = def.Interrupt
	}
	if t.Request <= 0 {
		t.Request = def.Request
	}
}
