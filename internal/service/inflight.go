package service

import (
	"context"
	"sync"
)

type inflightCall struct {
	ownerID string
	cancel  context.CancelFunc
}

// inflightRegistry tracks the transport of every running submission so it
// can be aborted by job id.
type inflightRegistry struct {
	mu    sync.Mutex
	calls map[string]inflightCall
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{calls: make(map[string]inflightCall)}
}

func (r *inflightRegistry) add(jobID, ownerID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[jobID] = inflightCall{ownerID: ownerID, cancel: cancel}
}

func (r *inflightRegistry) remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, jobID)
}

// abort cancels the owner's in-flight call and reports whether one existed.
func (r *inflightRegistry) abort(jobID, ownerID string) bool {
	r.mu.Lock()
	call, ok := r.calls[jobID]
	if ok && call.ownerID == ownerID {
		delete(r.calls, jobID)
	}
	r.mu.Unlock()

	if !ok || call.ownerID != ownerID {
		return false
	}
	call.cancel()
	return true
}

func (r *inflightRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
