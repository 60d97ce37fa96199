// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package c2

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Handler processes a decoded command. Returning true acks the message;
// false or an error nacks it so the bus redelivers.
type Handler func(ctx context.Context, body Body, source string) (bool, error)

// Registry maps command names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds command to h. Registering after dispatch has started is
// allowed; messages that arrived earlier were already dropped.
func (r *Registry) Register(command string, h Handler) error {
	if ParseKind(command) == KindUnknown {
		return fmt.Errorf("%w: invalid command %q", ErrMalformed, command)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s", command)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[command]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, command)
	}
	r.handlers[command] = h
	return nil
}

// Lookup returns the handler for command.
func (r *Registry) Lookup(command string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[command]
	return h, ok
}

// Commands returns the registered command names, sorted.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmds := make([]string, 0, len(r.handlers))
	for c := range r.handlers {
		cmds = append(cmds, c)
	}
	slices.Sort(cmds)
	return cmds
}
