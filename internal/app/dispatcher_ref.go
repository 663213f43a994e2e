package app

import (
	"context"
	"errors"
	"sync/atomic"

	"postpilot/internal/dispatch"
)

var errNoDispatcher = errors.New("dispatcher not initialized")

// dispatcherRef lets the API keep one handle while hot reload swaps the
// dispatcher underneath it.
type dispatcherRef struct {
	p atomic.Pointer[dispatch.Service]
}

func (r *dispatcherRef) Load() *dispatch.Service   { return r.p.Load() }
func (r *dispatcherRef) Store(s *dispatch.Service) { r.p.Store(s) }

func (r *dispatcherRef) RunOnce(ctx context.Context) (dispatch.Report, error) {
	s := r.p.Load()
	if s == nil {
		return dispatch.Report{}, errNoDispatcher
	}
	return s.RunOnce(ctx)
}

func (r *dispatcherRef) Snapshot() dispatch.Snapshot {
	s := r.p.Load()
	if s == nil {
		return dispatch.Snapshot{}
	}
	return s.Snapshot()
}
