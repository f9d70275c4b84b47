// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/bmizerany/pat"
	"github.com/juju/errors"
)

// Mux is a pattern-based HTTP muxer on top of bmizerany/pat, adding
// support for registration and deregistration of handlers after the
// server has started. When a handler is added or removed the
// underlying pat mux is swapped out for a new one, so those operations
// are expensive and expected to be rare.
type Mux struct {
	p atomic.Value

	mu    sync.Mutex
	added map[patternKey]http.Handler
}

type patternKey struct {
	method  string
	pattern string
}

// NewMux returns a new, empty mux.
func NewMux() *Mux {
	m := &Mux{added: make(map[patternKey]http.Handler)}
	m.recreate()
	return m
}

// ServeHTTP is part of the http.Handler interface.
func (m *Mux) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p := m.p.Load().(*pat.PatternServeMux)
	p.ServeHTTP(w, req)
}

// AddHandler adds an http.Handler for the given method and pattern.
// AddHandler returns an error if there already exists a handler for
// the method and pattern.
func (m *Mux) AddHandler(method, pattern string, handler http.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := patternKey{method: method, pattern: pattern}
	if _, ok := m.added[key]; ok {
		return errors.AlreadyExistsf("handler for %s %q", method, pattern)
	}
	m.added[key] = handler
	m.recreate()
	return nil
}

// RemoveHandler removes the http.Handler for the given method and
// pattern, if any. Removing an unregistered handler is a no-op.
func (m *Mux) RemoveHandler(method, pattern string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := patternKey{method: method, pattern: pattern}
	if _, ok := m.added[key]; !ok {
		return
	}
	delete(m.added, key)
	m.recreate()
}

func (m *Mux) recreate() {
	p := pat.New()
	for key, handler := range m.added {
		p.Add(key.method, key.pattern, handler)
	}
	m.p.Store(p)
}
