// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pubsub implements transport.Transport on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/iam"
	"cloud.google.com/go/pubsub"
	"github.com/absmach/fluxc2/transport"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ transport.Transport = (*Transport)(nil)

// Config configures the Pub/Sub client.
type Config struct {
	Project         string
	Endpoint        string
	CredentialsFile string
	// ReceiveGoroutines sets the number of pull streams per Receive.
	ReceiveGoroutines int
	// MaxOutstanding bounds unsettled messages per Receive.
	MaxOutstanding int
	Logger         *slog.Logger
}

// Transport is a Pub/Sub backed transport.
type Transport struct {
	client *pubsub.Client
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	closed bool
}

// New dials Pub/Sub for cfg.Project.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Transport, error) {
	if cfg.Project == "" {
		return nil, errors.New("pubsub: project is required")
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.Project, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client. Close closes it.
func NewWithClient(client *pubsub.Client, cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Project == "" {
		cfg.Project = client.Project()
	}
	return &Transport{
		client: client,
		cfg:    cfg,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}
}

func (t *Transport) topic(name string) *pubsub.Topic {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tp, ok := t.topics[name]; ok {
		return tp
	}
	tp := t.client.Topic(name)
	t.topics[name] = tp
	return tp
}

// EnsureTopic creates the topic, treating AlreadyExists as success.
func (t *Transport) EnsureTopic(ctx context.Context, name string) error {
	_, err := t.client.CreateTopic(ctx, name)
	if err == nil {
		t.logger.Info("created topic", slog.String("topic", t.TopicPath(name)))
		return nil
	}

	err = classify(err)
	if errors.Is(err, transport.ErrAlreadyExists) {
		t.logger.Debug("topic already exists", slog.String("topic", t.TopicPath(name)))
		return nil
	}
	return fmt.Errorf("create topic %s: %w", name, err)
}

// EnsureSubscription creates a filtered subscription, treating
// AlreadyExists as success.
func (t *Transport) EnsureSubscription(ctx context.Context, topic, name string, filter transport.Filter) (string, error) {
	path := t.SubscriptionPath(name)

	_, err := t.client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
		Topic:  t.topic(topic),
		Filter: filter.String(),
	})
	if err == nil {
		t.logger.Info("created subscription",
			slog.String("subscription", path),
			slog.String("filter", filter.String()))
		return path, nil
	}

	err = classify(err)
	if errors.Is(err, transport.ErrAlreadyExists) {
		t.logger.Info("subscription already exists", slog.String("subscription", path))
		return path, nil
	}
	return "", fmt.Errorf("create subscription %s: %w", name, err)
}

// DeleteSubscription removes a subscription.
func (t *Transport) DeleteSubscription(ctx context.Context, name string) error {
	if err := t.client.Subscription(name).Delete(ctx); err != nil {
		return fmt.Errorf("delete subscription %s: %w", name, classify(err))
	}
	t.logger.Info("deleted subscription", slog.String("subscription", t.SubscriptionPath(name)))
	return nil
}

// Publish publishes and waits for the server-assigned id.
func (t *Transport) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return "", transport.ErrClosed
	}

	res := t.topic(topic).Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	id, err := res.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, classify(err))
	}
	return id, nil
}

// Receive pulls from the subscription until ctx is done.
func (t *Transport) Receive(ctx context.Context, name string, h transport.Handler) error {
	sub := t.client.Subscription(name)
	if t.cfg.ReceiveGoroutines > 0 {
		sub.ReceiveSettings.NumGoroutines = t.cfg.ReceiveGoroutines
	}
	if t.cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = t.cfg.MaxOutstanding
	}

	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		h(ctx, toMessage(m))
	})
	if err != nil {
		return fmt.Errorf("receive on %s: %w", name, classify(err))
	}
	return nil
}

func toMessage(m *pubsub.Message) *transport.Message {
	msg := transport.NewMessage(m.ID, m.Data, m.Attributes, m.Ack, m.Nack)
	msg.PublishTime = m.PublishTime
	if m.DeliveryAttempt != nil {
		msg.DeliveryAttempt = *m.DeliveryAttempt
	}
	return msg
}

// Grant adds member to role on res.
func (t *Transport) Grant(ctx context.Context, res transport.Resource, role, member string) error {
	return t.updatePolicy(ctx, res, func(p *iam.Policy) {
		p.Add(member, iam.RoleName(role))
	})
}

// Revoke removes member from role on res.
func (t *Transport) Revoke(ctx context.Context, res transport.Resource, role, member string) error {
	return t.updatePolicy(ctx, res, func(p *iam.Policy) {
		p.Remove(member, iam.RoleName(role))
	})
}

func (t *Transport) updatePolicy(ctx context.Context, res transport.Resource, mutate func(*iam.Policy)) error {
	var h *iam.Handle
	switch res.Kind {
	case transport.TopicResource:
		h = t.topic(res.Name).IAM()
	case transport.SubscriptionResource:
		h = t.client.Subscription(res.Name).IAM()
	default:
		return fmt.Errorf("%w: IAM on %s", transport.ErrUnsupported, res)
	}

	policy, err := h.Policy(ctx)
	if err != nil {
		return fmt.Errorf("get IAM policy on %s: %w", res, classify(err))
	}
	mutate(policy)
	if err := h.SetPolicy(ctx, policy); err != nil {
		return fmt.Errorf("set IAM policy on %s: %w", res, classify(err))
	}
	return nil
}

// TopicPath returns projects/{project}/topics/{topic}.
func (t *Transport) TopicPath(topic string) string {
	return fmt.Sprintf("projects/%s/topics/%s", t.cfg.Project, topic)
}

// SubscriptionPath returns projects/{project}/subscriptions/{name}.
func (t *Transport) SubscriptionPath(name string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", t.cfg.Project, name)
}

// Close flushes publishers and closes the client.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	topics := t.topics
	t.topics = make(map[string]*pubsub.Topic)
	t.mu.Unlock()

	for _, tp := range topics {
		tp.Stop()
	}
	return t.client.Close()
}

// classify wraps gRPC status errors with the matching transport sentinel.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var sentinel error
	switch status.Code(err) {
	case codes.AlreadyExists:
		sentinel = transport.ErrAlreadyExists
	case codes.NotFound:
		sentinel = transport.ErrNotFound
	case codes.PermissionDenied:
		sentinel = transport.ErrPermissionDenied
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
