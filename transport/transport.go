// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the publish/subscribe contract the C2 layer
// is built on. Implementations live in the subpackages.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Common errors. Implementations wrap backend errors with these so callers
// can classify them with errors.Is.
var (
	ErrAlreadyExists    = errors.New("resource already exists")
	ErrNotFound         = errors.New("resource not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnsupported      = errors.New("operation not supported by transport")
	ErrClosed           = errors.New("transport closed")
)

// IAM roles bound for remote agents.
const (
	RoleSubscriber = "roles/pubsub.subscriber"
	RolePublisher  = "roles/pubsub.publisher"
)

// Transport isolates every direct call to the message bus.
// Implementations must be safe for concurrent use.
type Transport interface {
	// EnsureTopic creates the topic. An existing topic is not an error.
	EnsureTopic(ctx context.Context, topic string) error

	// EnsureSubscription creates a filtered subscription on topic and
	// returns its fully qualified path. An existing subscription is not
	// an error.
	EnsureSubscription(ctx context.Context, topic, subscription string, filter Filter) (string, error)

	// DeleteSubscription removes a subscription.
	DeleteSubscription(ctx context.Context, subscription string) error

	// Publish sends data with attributes to topic and returns the
	// bus-assigned message id.
	Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error)

	// Receive invokes h once per inbound message on the subscription,
	// possibly concurrently. It blocks until ctx is done or the
	// subscription fails.
	Receive(ctx context.Context, subscription string, h Handler) error

	// Grant binds role on res to member.
	Grant(ctx context.Context, res Resource, role, member string) error

	// Revoke removes the binding of role on res from member.
	Revoke(ctx context.Context, res Resource, role, member string) error

	// TopicPath returns the fully qualified name of topic.
	TopicPath(topic string) string

	// SubscriptionPath returns the fully qualified name of subscription.
	SubscriptionPath(subscription string) string

	Close() error
}

// Handler processes one inbound message. It must call Ack or Nack.
type Handler func(ctx context.Context, msg *Message)

// SubscriptionName derives the subscription name for id on topic.
func SubscriptionName(topic, id string) string {
	return topic + "-" + id
}

// ResourceKind distinguishes IAM resources.
type ResourceKind uint8

const (
	TopicResource ResourceKind = iota
	SubscriptionResource
)

func (k ResourceKind) String() string {
	switch k {
	case TopicResource:
		return "topic"
	case SubscriptionResource:
		return "subscription"
	default:
		return "unknown"
	}
}

// Resource names a topic or a subscription for IAM operations.
type Resource struct {
	Kind ResourceKind
	Name string
}

// Topic returns the resource for a topic.
func Topic(name string) Resource {
	return Resource{Kind: TopicResource, Name: name}
}

// Subscription returns the resource for a subscription.
func Subscription(name string) Resource {
	return Resource{Kind: SubscriptionResource, Name: name}
}

func (r Resource) String() string {
	return r.Kind.String() + "/" + r.Name
}

// Message is an inbound message. Ack and Nack are idempotent and only the
// first call of either has an effect.
type Message struct {
	ID              string
	Data            []byte
	Attributes      map[string]string
	PublishTime     time.Time
	DeliveryAttempt int

	once sync.Once
	ack  func()
	nack func()
}

// NewMessage creates a message whose settlement is delegated to ack and
// nack. Either may be nil.
func NewMessage(id string, data []byte, attrs map[string]string, ack, nack func()) *Message {
	if attrs == nil {
		attrs = map[string]string{}
	}
	return &Message{
		ID:          id,
		Data:        data,
		Attributes:  attrs,
		PublishTime: time.Now(),
		ack:         ack,
		nack:        nack,
	}
}

// Attr returns the attribute value for key, or "".
func (m *Message) Attr(key string) string {
	return m.Attributes[key]
}

// Ack marks the message consumed.
func (m *Message) Ack() {
	m.once.Do(func() {
		if m.ack != nil {
			m.ack()
		}
	})
}

// Nack asks the bus to redeliver the message.
func (m *Message) Nack() {
	m.once.Do(func() {
		if m.nack != nil {
			m.nack()
		}
	})
}
