package main

import (
	"sync"
	"time"
)

// recentErrors keeps the newest error lines for the health endpoint.
type recentErrors struct {
	mu   sync.Mutex
	max  int
	list []recentError
}

type recentError struct {
	Time time.Time `json:"time"`
	Msg  string    `json:"msg"`
}

func newRecentErrors(max int) *recentErrors {
	return &recentErrors{max: max}
}

func (r *recentErrors) add(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append([]recentError{{Time: time.Now(), Msg: msg}}, r.list...)
	if len(r.list) > r.max {
		r.list = r.list[:r.max]
	}
}

func (r *recentErrors) snapshot() []recentError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recentError, len(r.list))
	copy(out, r.list)
	return out
}
