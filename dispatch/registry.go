package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/waddie/nrepl.hx/nrepl"
)

// ConnID identifies a worker within a registry.
type ConnID uint64

// Stats is a point-in-time snapshot of a registry.
type Stats struct {
	Connections    int
	Sessions       int
	PendingResults int
	PerConnection  map[ConnID]ConnStats
}

type ConnStats struct {
	Sessions       int
	PendingResults int
}

// Registry tracks live workers by connection id. All methods are safe for
// concurrent use.
type Registry struct {
	log zerolog.Logger

	mu      sync.Mutex
	nextID  ConnID
	workers map[ConnID]*Worker
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		log:     logger,
		workers: make(map[ConnID]*Worker),
	}
}

// Connect dials addr, wraps the connection in a worker and registers it.
func (r *Registry) Connect(addr string, cfg nrepl.Config) (ConnID, error) {
	conn, err := nrepl.DialConfig(addr, cfg)
	if err != nil {
		return 0, err
	}
	w := NewWorker(conn, r.log)

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.workers[id] = w
	r.mu.Unlock()

	r.log.Debug().Uint64("conn", uint64(id)).Str("addr", addr).Msg("connection registered")
	return id, nil
}

// Worker returns the worker for id, if registered.
func (r *Registry) Worker(id ConnID) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	return w, ok
}

// Remove closes the worker for id and drops it from the registry.
func (r *Registry) Remove(ctx context.Context, id ConnID) error {
	r.mu.Lock()
	w, ok := r.workers[id]
	delete(r.workers, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Close(ctx)
}

// Stats snapshots connection and session counts across the registry.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{
		Connections:   len(r.workers),
		PerConnection: make(map[ConnID]ConnStats, len(r.workers)),
	}
	for id, w := range r.workers {
		cs := ConnStats{
			Sessions:       w.SessionCount(),
			PendingResults: w.PendingResults(),
		}
		st.Sessions += cs.Sessions
		st.PendingResults += cs.PendingResults
		st.PerConnection[id] = cs
	}
	return st
}

// CloseAll shuts every worker down concurrently and empties the registry.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	workers := r.workers
	r.workers = make(map[ConnID]*Worker)
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			return w.Close(ctx)
		})
	}
	return g.Wait()
}
