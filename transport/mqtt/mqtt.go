// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements transport.Transport over an MQTT 3.1.1 broker.
//
// Attributes travel inside a JSON frame. Routing uses the topic tree:
// messages carrying a target attribute go to {prefix}/{topic}/to/{target},
// all others to {prefix}/{topic}/reply. Subscriptions are client-side
// bindings of a name to one of those topic filters. With Shared set, a
// subscription is received as the broker shared subscription
// $share/{name}/{filter}, so replicas receiving the same name split its
// messages instead of each getting a copy.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxc2/transport"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	targetAttr   = "target"
	replySegment = "reply"
	toSegment    = "to"
	sharePrefix  = "$share/"
)

var _ transport.Transport = (*Transport)(nil)

var errInvalidTarget = errors.New("target contains MQTT topic wildcard or separator")

// Config configures the MQTT client.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	Prefix         string
	Shared         bool
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

type binding struct {
	topic  string
	filter transport.Filter
}

// Transport is an MQTT backed transport.
type Transport struct {
	client paho.Client
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]struct{}
	subs   map[string]binding
}

// New connects to the broker.
func New(cfg Config) (*Transport, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "c2-" + uuid.NewString()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "c2"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetAutoAckDisabled(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
		})

	client := paho.NewClient(opts)
	if tok := client.Connect(); !tok.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	} else if tok.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, tok.Error())
	}

	return &Transport{
		client: client,
		cfg:    cfg,
		logger: logger,
		topics: make(map[string]struct{}),
		subs:   make(map[string]binding),
	}, nil
}

// EnsureTopic records the topic. MQTT topics need no provisioning.
func (t *Transport) EnsureTopic(_ context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topics[topic] = struct{}{}
	return nil
}

// EnsureSubscription binds name to the topic filter matching filter and
// returns the filter Receive subscribes to.
func (t *Transport) EnsureSubscription(_ context.Context, topic, name string, filter transport.Filter) (string, error) {
	b := binding{topic: topic, filter: filter}
	path, err := subscribeTopic(t.cfg.Prefix, t.cfg.Shared, name, b)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.subs[name]; ok {
		t.logger.Debug("subscription already exists", slog.String("subscription", name))
		return t.subscriptionPath(existing, name), nil
	}
	t.subs[name] = b
	return path, nil
}

// DeleteSubscription unbinds name.
func (t *Transport) DeleteSubscription(_ context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[name]; !ok {
		return fmt.Errorf("%w: subscription %s", transport.ErrNotFound, name)
	}
	delete(t.subs, name)
	return nil
}

// Publish sends a framed message at the configured QoS.
func (t *Transport) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	dest, err := publishTopic(t.cfg.Prefix, topic, attrs)
	if err != nil {
		return "", err
	}

	f := frame{
		ID:          uuid.NewString(),
		Attributes:  attrs,
		Data:        data,
		PublishTime: time.Now().UTC(),
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("mqtt: encode frame: %w", err)
	}

	tok := t.client.Publish(dest, t.cfg.QoS, false, payload)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if err := tok.Error(); err != nil {
		return "", fmt.Errorf("mqtt: publish to %s: %w", dest, err)
	}
	return f.ID, nil
}

// Receive subscribes to the bound topic filter and delivers until ctx is
// done. Nack leaves the message unacknowledged so the broker redelivers it
// on the next session resume.
func (t *Transport) Receive(ctx context.Context, name string, h transport.Handler) error {
	t.mu.Lock()
	b, ok := t.subs[name]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: subscription %s", transport.ErrNotFound, name)
	}

	topic, err := subscribeTopic(t.cfg.Prefix, t.cfg.Shared, name, b)
	if err != nil {
		return err
	}

	tok := t.client.Subscribe(topic, t.cfg.QoS, func(_ paho.Client, m paho.Message) {
		f, err := decodeFrame(m.Payload())
		if err != nil {
			t.logger.Warn("dropping undecodable mqtt frame",
				slog.String("topic", m.Topic()),
				slog.String("error", err.Error()))
			m.Ack()
			return
		}
		if !b.filter.Matches(f.Attributes) {
			m.Ack()
			return
		}

		msg := transport.NewMessage(f.ID, f.Data, f.Attributes, m.Ack, nil)
		msg.PublishTime = f.PublishTime
		if m.Duplicate() {
			msg.DeliveryAttempt = 2
		} else {
			msg.DeliveryAttempt = 1
		}
		h(ctx, msg)
	})
	if !tok.WaitTimeout(t.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt: subscribe to %s timed out", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe to %s: %w", topic, err)
	}

	<-ctx.Done()

	if tok := t.client.Unsubscribe(topic); tok.WaitTimeout(t.cfg.ConnectTimeout) && tok.Error() != nil {
		t.logger.Warn("mqtt unsubscribe failed", slog.String("topic", topic), slog.String("error", tok.Error().Error()))
	}
	return nil
}

// Grant is not supported. Broker ACLs are managed out of band.
func (t *Transport) Grant(_ context.Context, res transport.Resource, _, _ string) error {
	return fmt.Errorf("%w: IAM on %s", transport.ErrUnsupported, res)
}

// Revoke is not supported.
func (t *Transport) Revoke(_ context.Context, res transport.Resource, _, _ string) error {
	return fmt.Errorf("%w: IAM on %s", transport.ErrUnsupported, res)
}

// TopicPath returns the MQTT topic root for topic.
func (t *Transport) TopicPath(topic string) string {
	return t.cfg.Prefix + "/" + topic
}

// SubscriptionPath returns the MQTT topic filter Receive uses for name,
// or name itself if it is not bound.
func (t *Transport) SubscriptionPath(name string) string {
	t.mu.Lock()
	b, ok := t.subs[name]
	t.mu.Unlock()
	if !ok {
		return name
	}
	return t.subscriptionPath(b, name)
}

func (t *Transport) subscriptionPath(b binding, name string) string {
	p, err := subscribeTopic(t.cfg.Prefix, t.cfg.Shared, name, b)
	if err != nil {
		return name
	}
	return p
}

// Close disconnects from the broker.
func (t *Transport) Close() error {
	t.client.Disconnect(250)
	return nil
}

type frame struct {
	ID          string            `json:"id"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Data        []byte            `json:"data"`
	PublishTime time.Time         `json:"publish_time"`
}

func decodeFrame(payload []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return frame{}, err
	}
	if f.Attributes == nil {
		f.Attributes = map[string]string{}
	}
	return f, nil
}

func publishTopic(prefix, topic string, attrs map[string]string) (string, error) {
	root := prefix + "/" + topic
	target, ok := attrs[targetAttr]
	if !ok {
		return root + "/" + replySegment, nil
	}
	if target == "" || strings.ContainsAny(target, "/+#") {
		return "", fmt.Errorf("mqtt: %w: %q", errInvalidTarget, target)
	}
	return root + "/" + toSegment + "/" + target, nil
}

func filterTopic(prefix, topic string, f transport.Filter) (string, error) {
	root := prefix + "/" + topic
	switch {
	case f.Op == transport.FilterAll:
		return root + "/#", nil
	case f.Op == transport.FilterAbsent && f.Key == targetAttr:
		return root + "/" + replySegment, nil
	case f.Op == transport.FilterEquals && f.Key == targetAttr:
		if f.Value == "" || strings.ContainsAny(f.Value, "/+#") {
			return "", fmt.Errorf("mqtt: %w: %q", errInvalidTarget, f.Value)
		}
		return root + "/" + toSegment + "/" + f.Value, nil
	default:
		return "", fmt.Errorf("%w: mqtt filter %q", transport.ErrUnsupported, f.String())
	}
}

// subscribeTopic returns the filter to subscribe with for the binding
// named name. Shared subscriptions use name as the share group, with MQTT
// separators and wildcards replaced since a group is a single level.
func subscribeTopic(prefix string, shared bool, name string, b binding) (string, error) {
	filter, err := filterTopic(prefix, b.topic, b.filter)
	if err != nil {
		return "", err
	}
	if !shared {
		return filter, nil
	}
	if name == "" {
		return "", fmt.Errorf("mqtt: shared subscription requires a name")
	}
	group := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(name)
	return sharePrefix + group + "/" + filter, nil
}
