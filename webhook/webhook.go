// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers operator events to HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/fluxc2/events"
)

// Notifier delivers events asynchronously.
type Notifier interface {
	events.Sink

	// Close gracefully shuts down, flushing pending events
	Close() error
}

// Sender is the protocol-specific sender interface.
type Sender interface {
	// Send sends a webhook payload to the specified URL.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
