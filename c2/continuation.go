// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package c2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/absmach/fluxc2/storage"
)

// ContinuationFunc resumes an exchange when a reply arrives. data is the
// context stored with the callback when the command was sent.
type ContinuationFunc func(ctx context.Context, reply Body, data json.RawMessage) error

// Continuations resolves stored continuation descriptors to code by name,
// so pending callbacks survive restarts and upgrades.
type Continuations struct {
	mu       sync.RWMutex
	handlers map[string]ContinuationFunc
}

// NewContinuations returns an empty set.
func NewContinuations() *Continuations {
	return &Continuations{handlers: make(map[string]ContinuationFunc)}
}

// Register binds name to fn.
func (c *Continuations) Register(name string, fn ContinuationFunc) error {
	if name == "" || fn == nil {
		return errors.New("continuation name and function are required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	c.handlers[name] = fn
	return nil
}

// Lookup returns the function registered under name.
func (c *Continuations) Lookup(name string) (ContinuationFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.handlers[name]
	return fn, ok
}

// Names returns the registered handler names, sorted.
func (c *Continuations) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.handlers))
	for n := range c.handlers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// NewContinuation builds a descriptor for handler with data marshaled to
// JSON. A nil data stores no context.
func NewContinuation(handler string, data any) (*storage.Continuation, error) {
	cont := &storage.Continuation{Handler: handler}
	if data == nil {
		return cont, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal continuation context for %s: %w", handler, err)
	}
	cont.Context = raw
	return cont, nil
}
