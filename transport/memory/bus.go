// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process transport. It evaluates
// subscription filters, redelivers nacked messages and records IAM
// bindings, which makes it suitable for tests and single-node setups.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/fluxc2/transport"
)

var _ transport.Transport = (*Bus)(nil)

// Config configures the bus.
type Config struct {
	// Workers bounds concurrent handler invocations per Receive call.
	Workers int
	// MaxAttempts is the number of deliveries before a nacked message is
	// dropped.
	MaxAttempts int
	// RedeliveryDelay is the pause before a nacked message is requeued.
	RedeliveryDelay time.Duration
	// History is the number of published messages kept for Published,
	// oldest dropped first. Zero uses DefaultHistory; negative keeps none.
	History int
	Logger  *slog.Logger
}

// DefaultHistory is the publish history kept when Config.History is zero.
const DefaultHistory = 1024

// Published is a record of a message accepted by Publish.
type Published struct {
	ID         string
	Topic      string
	Data       []byte
	Attributes map[string]string
}

// Stats counts settlements on one subscription.
type Stats struct {
	Acked   int
	Nacked  int
	Dropped int
	Pending int
}

type delivery struct {
	id      string
	data    []byte
	attrs   map[string]string
	attempt int
}

type subscription struct {
	name   string
	topic  string
	filter transport.Filter

	mu     sync.Mutex
	queue  []*delivery
	stats  Stats
	notify chan struct{}
	done   chan struct{}
}

func (s *subscription) push(d *delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) pop() *delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil
	}
	d := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return d
}

// Bus is an in-process publish/subscribe bus.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	seq       uint64
	topics    map[string]struct{}
	subs      map[string]*subscription
	bindings  map[transport.Resource]map[string]map[string]struct{}
	denied    map[string]struct{}
	published []Published
	closed    bool
	closing   chan struct{}
}

// New creates a bus.
func New(cfg Config) *Bus {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = 10 * time.Millisecond
	}
	if cfg.History == 0 {
		cfg.History = DefaultHistory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		cfg:      cfg,
		logger:   logger,
		topics:   make(map[string]struct{}),
		subs:     make(map[string]*subscription),
		bindings: make(map[transport.Resource]map[string]map[string]struct{}),
		denied:   make(map[string]struct{}),
		closing:  make(chan struct{}),
	}
}

// EnsureTopic creates topic if it does not exist.
func (b *Bus) EnsureTopic(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return transport.ErrClosed
	}
	b.topics[topic] = struct{}{}
	return nil
}

// EnsureSubscription creates a subscription if it does not exist. An
// existing subscription keeps its original filter.
func (b *Bus) EnsureSubscription(_ context.Context, topic, name string, filter transport.Filter) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", transport.ErrClosed
	}
	if _, ok := b.topics[topic]; !ok {
		return "", fmt.Errorf("%w: topic %s", transport.ErrNotFound, topic)
	}
	if _, ok := b.subs[name]; ok {
		b.logger.Debug("subscription already exists", slog.String("subscription", name))
		return b.SubscriptionPath(name), nil
	}

	b.subs[name] = &subscription{
		name:   name,
		topic:  topic,
		filter: filter,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	return b.SubscriptionPath(name), nil
}

// DeleteSubscription removes a subscription and its bindings. Pending
// messages are discarded and active receivers return.
func (b *Bus) DeleteSubscription(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subs[name]
	if !ok {
		return fmt.Errorf("%w: subscription %s", transport.ErrNotFound, name)
	}
	delete(b.subs, name)
	delete(b.bindings, transport.Subscription(name))
	close(s.done)
	return nil
}

// Publish fans data out to every subscription on topic whose filter
// matches attrs.
func (b *Bus) Publish(_ context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", transport.ErrClosed
	}
	if _, ok := b.topics[topic]; !ok {
		return "", fmt.Errorf("%w: topic %s", transport.ErrNotFound, topic)
	}

	b.seq++
	id := strconv.FormatUint(b.seq, 10)
	b.record(Published{
		ID:         id,
		Topic:      topic,
		Data:       slices.Clone(data),
		Attributes: maps.Clone(attrs),
	})

	for _, s := range b.subs {
		if s.topic != topic || !s.filter.Matches(attrs) {
			continue
		}
		s.push(&delivery{
			id:      id,
			data:    slices.Clone(data),
			attrs:   maps.Clone(attrs),
			attempt: 1,
		})
	}
	return id, nil
}

// Receive delivers messages from the subscription to h until ctx is done,
// the subscription is deleted or the bus is closed. A message the handler
// leaves unsettled is nacked.
func (b *Bus) Receive(ctx context.Context, name string, h transport.Handler) error {
	b.mu.Lock()
	s, ok := b.subs[name]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: subscription %s", transport.ErrNotFound, name)
	}

	sem := make(chan struct{}, b.cfg.Workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return nil
		}

		d := s.pop()
		if d == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.done:
				return nil
			case <-b.closing:
				return nil
			case <-s.notify:
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			s.push(d)
			return nil
		}

		wg.Add(1)
		go func(d *delivery) {
			defer wg.Done()
			defer func() { <-sem }()

			msg := transport.NewMessage(d.id, d.data, d.attrs,
				func() { b.settle(s, d, true) },
				func() { b.settle(s, d, false) })
			msg.DeliveryAttempt = d.attempt
			h(ctx, msg)
			msg.Nack()
		}(d)
	}
}

func (b *Bus) settle(s *subscription, d *delivery, ack bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ack {
		s.stats.Acked++
		return
	}

	s.stats.Nacked++
	if d.attempt >= b.cfg.MaxAttempts {
		s.stats.Dropped++
		b.logger.Warn("dropping message after max delivery attempts",
			slog.String("subscription", s.name),
			slog.String("message_id", d.id),
			slog.Int("attempts", d.attempt))
		return
	}

	d.attempt++
	time.AfterFunc(b.cfg.RedeliveryDelay, func() {
		select {
		case <-s.done:
		default:
			s.push(d)
		}
	})
}

// Grant binds role on res to member. Members registered with Deny are
// refused with ErrPermissionDenied.
func (b *Bus) Grant(_ context.Context, res transport.Resource, role, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkResource(res); err != nil {
		return err
	}
	if _, ok := b.denied[member]; ok {
		return fmt.Errorf("%w: set IAM policy on %s", transport.ErrPermissionDenied, res)
	}

	roles, ok := b.bindings[res]
	if !ok {
		roles = make(map[string]map[string]struct{})
		b.bindings[res] = roles
	}
	members, ok := roles[role]
	if !ok {
		members = make(map[string]struct{})
		roles[role] = members
	}
	members[member] = struct{}{}
	return nil
}

// Revoke removes the binding. A missing binding is not an error.
func (b *Bus) Revoke(_ context.Context, res transport.Resource, role, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkResource(res); err != nil {
		return err
	}
	if _, ok := b.denied[member]; ok {
		return fmt.Errorf("%w: set IAM policy on %s", transport.ErrPermissionDenied, res)
	}
	if members, ok := b.bindings[res][role]; ok {
		delete(members, member)
	}
	return nil
}

func (b *Bus) checkResource(res transport.Resource) error {
	switch res.Kind {
	case transport.TopicResource:
		if _, ok := b.topics[res.Name]; ok {
			return nil
		}
	case transport.SubscriptionResource:
		if _, ok := b.subs[res.Name]; ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", transport.ErrNotFound, res)
}

// TopicPath returns the bus-local topic path.
func (b *Bus) TopicPath(topic string) string {
	return "memory/topics/" + topic
}

// SubscriptionPath returns the bus-local subscription path.
func (b *Bus) SubscriptionPath(name string) string {
	return "memory/subscriptions/" + name
}

// Close stops all receivers. Further calls fail with ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closing)
	return nil
}

// Deny makes Grant and Revoke fail with ErrPermissionDenied for member.
func (b *Bus) Deny(member string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.denied[member] = struct{}{}
}

// HasBinding reports whether member holds role on res.
func (b *Bus) HasBinding(res transport.Resource, role, member string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.bindings[res][role][member]
	return ok
}

// HasSubscription reports whether the subscription exists and returns its
// filter.
func (b *Bus) HasSubscription(name string) (transport.Filter, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[name]
	if !ok {
		return transport.Filter{}, false
	}
	return s.filter, true
}

// record appends p to the history, dropping the oldest entries beyond
// the configured limit. Callers hold b.mu.
func (b *Bus) record(p Published) {
	if b.cfg.History < 0 {
		return
	}
	if len(b.published) >= b.cfg.History {
		n := len(b.published) - b.cfg.History + 1
		clear(b.published[:n])
		b.published = b.published[n:]
	}
	b.published = append(b.published, p)
}

// Published returns the retained messages published to topic, oldest
// first.
func (b *Bus) Published(topic string) []Published {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Published
	for _, p := range b.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// Stats returns settlement counters for the subscription.
func (b *Bus) Stats(name string) Stats {
	b.mu.Lock()
	s, ok := b.subs[name]
	b.mu.Unlock()
	if !ok {
		return Stats{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.queue)
	return st
}
