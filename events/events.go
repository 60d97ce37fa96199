// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeCommandSent          = "command.sent"
	TypeMessageDropped       = "message.dropped"
	TypeCallbackResolved     = "callback.resolved"
	TypeCallbackExpired      = "callback.expired"
	TypeClusterStatusChanged = "cluster.status_changed"
	TypeSubscriptionCreated  = "subscription.created"
	TypeSubscriptionRemoved  = "subscription.removed"
	TypeAccessWarning        = "iam.warning"
	TypeBuildStatusChanged   = "build.status_changed"
)

// Event is the common interface for all operator events.
type Event interface {
	// Type returns the event type identifier (e.g., "callback.expired")
	Type() string

	// Destination returns the addressed agent (e.g., "cluster_7"), empty
	// for events not tied to one.
	Destination() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(deployment string) *Envelope
}

// Envelope is the common wrapper for all operator events.
type Envelope struct {
	EventType  string `json:"event_type"`
	EventID    string `json:"event_id"`
	Timestamp  string `json:"timestamp"`
	Deployment string `json:"deployment"`
	Data       any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(*e)
}

func wrap(e Event, deployment string) *Envelope {
	return &Envelope{
		EventType:  e.Type(),
		EventID:    uuid.New().String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Deployment: deployment,
		Data:       e,
	}
}

// CommandSent is emitted when a command is published to a destination.
type CommandSent struct {
	Target  string `json:"target"`
	Command string `json:"command"`
	AckID   string `json:"ackid,omitempty"`
}

func (e CommandSent) Type() string                     { return TypeCommandSent }
func (e CommandSent) Destination() string              { return e.Target }
func (e CommandSent) Wrap(deployment string) *Envelope { return wrap(e, deployment) }

// MessageDropped is emitted when an inbound message is acked without being
// handled (malformed body, unknown command, source mismatch).
type MessageDropped struct {
	MessageID string `json:"message_id"`
	Command   string `json:"command,omitempty"`
	Source    string `json:"source,omitempty"`
	Reason    string `json:"reason"`
}

func (e MessageDropped) Type() string                     { return TypeMessageDropped }
func (e MessageDropped) Destination() string              { return e.Source }
func (e MessageDropped) Wrap(deployment string) *Envelope { return wrap(e, deployment) }

// CallbackResolved is emitted when an ACK or UPDATE reaches its callback.
type CallbackResolved struct {
	AckID   string `json:"ackid"`
	Handler string `json:"handler"`
	Source  string `json:"source,omitempty"`
	Final   bool   `json:"final"`
}

func (e CallbackResolved) Type() string                     { return TypeCallbackResolved }
func (e CallbackResolved) Destination() string              { return e.Source }
func (e CallbackResolved) Wrap(deployment string) *Envelope { return wrap(e, deployment) }

// CallbackExpired is emitted when a callback is swept without a reply.
type CallbackExpired struct {
	AckID     string    `json:"ackid"`
	Handler   string    `json:"handler"`
	Target    string    `json:"target,omitempty"`
	Command   string    `json:"command,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (e CallbackExpired) Type() string                     { return TypeCallbackExpired }
func (e CallbackExpired) Destination() string              { return e.Target }
func (e CallbackExpired) Wrap(deployment string) *Envelope { return wrap(e, deployment) }

// ClusterStatusChanged is emitted when a cluster's mirrored status moves.
// Unexpected marks moves the lifecycle table does not allow; the reported
// status is recorded anyway.
type ClusterStatusChanged struct {
	ClusterID  string `json:"cluster_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Message    string `json:"message,omitempty"`
	Unexpected bool   `json:"unexpected,omitempty"`
}

func (e ClusterStatusChanged) Type() string                     { return TypeClusterStatusChanged }
func (e ClusterStatusChanged) Destination() string              { return "cluster_" + e.ClusterID }
func (e ClusterStatusChanged) Wrap(deployment string) *Envelope { return wrap(e, deployment) }

// SubscriptionCreated is emitted when a destination subscription is ensured.
type SubscriptionCreated struct {
	Target       string `json:"target"`
	Subscription string `json:"subscription"`
}

func (e SubscriptionCreated) Type() string                     { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Destination() string              { return e.Target }
func (e SubscriptionCreated) Wrap(deployment string) *Envelope { return wrap(e, deployment) }

// SubscriptionRemoved is emitted when a destination subscription is torn down.
type SubscriptionRemoved struct {
	Target       string `json:"target"`
	Subscription string `json:"subscription"`
}

func (e SubscriptionRemoved) Type() string                     { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Destination() string              { return e.Target }
func (e SubscriptionRemoved) Wrap(deployment string) *Envelope { return wrap(e, deployment) }

// AccessWarning is emitted when an IAM change for a remote agent could not
// be applied.
type AccessWarning struct {
	Target    string `json:"target"`
	Principal string `json:"principal"`
	Resource  string `json:"resource"`
	Role      string `json:"role"`
	Error     string `json:"error"`
}

func (e AccessWarning) Type() string                     { return TypeAccessWarning }
func (e AccessWarning) Destination() string              { return e.Target }
func (e AccessWarning) Wrap(deployment string) *Envelope { return wrap(e, deployment) }

// BuildStatusChanged is emitted when the build log feed settles a build.
type BuildStatusChanged struct {
	BuildID string `json:"build_id"`
	Status  string `json:"status"`
	Records int    `json:"records"`
}

func (e BuildStatusChanged) Type() string                     { return TypeBuildStatusChanged }
func (e BuildStatusChanged) Destination() string              { return "" }
func (e BuildStatusChanged) Wrap(deployment string) *Envelope { return wrap(e, deployment) }

// Sink receives operator events.
type Sink interface {
	Notify(ctx context.Context, event Event) error
}

// Sinks fans an event out to several sinks.
type Sinks []Sink

// Notify delivers event to every sink and joins their errors.
func (s Sinks) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard is a sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Notify(context.Context, Event) error { return nil }
