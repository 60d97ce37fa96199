// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package c2

// Callback lifecycle events reported to Metrics.
const (
	CallbackRegistered = "registered"
	CallbackResolved   = "resolved"
	CallbackUpdated    = "updated"
	CallbackMissing    = "missing"
	CallbackExpired    = "expired"
)

// Metrics receives C2 counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	MessageHandled(command string, outcome Outcome)
	CommandSent(command string)
	CallbackEvent(event string)
}

type noopMetrics struct{}

func (noopMetrics) MessageHandled(string, Outcome) {}
func (noopMetrics) CommandSent(string)             {}
func (noopMetrics) CallbackEvent(string)           {}
