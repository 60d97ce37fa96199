// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package c2

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxc2/events"
	"github.com/absmach/fluxc2/storage"
	memstore "github.com/absmach/fluxc2/storage/memory"
	"github.com/absmach/fluxc2/transport"
	membus "github.com/absmach/fluxc2/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTopic = "c2"

type call struct {
	reply Body
	data  json.RawMessage
}

type continuationRecorder struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (r *continuationRecorder) fn(_ context.Context, reply Body, data json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{reply: reply, data: data})
	return r.err
}

func (r *continuationRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	cp        *ControlPlane
	bus       *membus.Bus
	callbacks *memstore.CallbackStore
	clusters  *memstore.ClusterStore
	events    *eventRecorder
	metrics   *metricsRecorder
	recorder  *continuationRecorder
}

func setup(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		bus:       membus.New(membus.Config{RedeliveryDelay: time.Millisecond}),
		callbacks: memstore.NewCallbackStore(),
		clusters:  memstore.NewClusterStore(),
		events:    &eventRecorder{},
		metrics:   newMetricsRecorder(),
		recorder:  &continuationRecorder{},
	}
	t.Cleanup(func() { _ = f.bus.Close() })
	require.NoError(t, f.bus.EnsureTopic(context.Background(), testTopic))

	if cfg.Topic == "" {
		cfg.Topic = testTopic
	}
	opts = append([]Option{
		WithClusters(f.clusters),
		WithEvents(f.events),
		WithMetrics(f.metrics),
	}, opts...)

	cp, err := New(cfg, f.bus, f.callbacks, opts...)
	require.NoError(t, err)
	require.NoError(t, cp.Continuations().Register("test.record", f.recorder.fn))
	f.cp = cp
	return f
}

func (f *fixture) published(command string) []membus.Published {
	var out []membus.Published
	for _, p := range f.bus.Published(testTopic) {
		if p.Attributes[AttrCommand] == command {
			out = append(out, p)
		}
	}
	return out
}

func decodeBody(t *testing.T, data []byte) Body {
	t.Helper()
	var b Body
	require.NoError(t, json.Unmarshal(data, &b))
	return b
}

func reply(t *testing.T, f *fixture, command, source string, body Body) *settlement {
	t.Helper()
	data, attrs, err := Encode(command, body, "", map[string]string{AttrSource: source})
	require.NoError(t, err)

	s := &settlement{}
	msg := transport.NewMessage("r", data, attrs, func() { s.acks.Add(1) }, func() { s.nacks.Add(1) })
	f.cp.Dispatcher().Handle(context.Background(), msg)
	return s
}

func TestNew_RegistersBuiltins(t *testing.T) {
	f := setup(t, Config{})
	assert.Equal(t, []string{"ACK", "CLUSTER_STATUS", "PING", "PONG", "UPDATE"}, f.cp.Registry().Commands())

	reg := NewRegistry()
	require.NoError(t, reg.Register(CommandPing, func(context.Context, Body, string) (bool, error) { return true, nil }))
	_, err := New(Config{Topic: testTopic}, f.bus, f.callbacks, WithRegistry(reg))
	assert.ErrorIs(t, err, ErrDuplicateCommand)

	_, err = New(Config{}, f.bus, f.callbacks)
	assert.Error(t, err)
}

func TestSendCommand_AckResolvesOnce(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	cont, err := NewContinuation("test.record", map[string]string{"cluster_id": "7"})
	require.NoError(t, err)

	body := Body{"partition": "compute"}
	ackID, err := f.cp.SendCommand(ctx, "7", "SYNC", body, cont)
	require.NoError(t, err)
	require.NotEmpty(t, ackID)
	assert.False(t, body.Has(FieldAckID), "caller body must not be modified")

	sent := f.published("SYNC")
	require.Len(t, sent, 1)
	assert.Equal(t, "cluster_7", sent[0].Attributes[AttrTarget])
	assert.Equal(t, ackID, decodeBody(t, sent[0].Data)[FieldAckID])

	s := reply(t, f, CommandAck, "cluster_7", Body{FieldAckID: ackID, "status": "done"})
	assert.EqualValues(t, 1, s.acks.Load())
	require.Equal(t, 1, f.recorder.count())
	assert.Equal(t, "done", f.recorder.calls[0].reply.String("status"))
	assert.JSONEq(t, `{"cluster_id":"7"}`, string(f.recorder.calls[0].data))

	s = reply(t, f, CommandAck, "cluster_7", Body{FieldAckID: ackID})
	assert.EqualValues(t, 1, s.acks.Load())
	assert.EqualValues(t, 0, s.nacks.Load())
	assert.Equal(t, 1, f.recorder.count())
	assert.Equal(t, 1, f.metrics.callbacks(CallbackMissing))

	_, err = f.callbacks.Get(ctx, ackID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSendUpdate_UpdatesDoNotClear(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	ackID, err := f.cp.SendCommand(ctx, "7", "REGISTER_USER_GCS", Body{"user": "u1"}, &storage.Continuation{Handler: "test.record"})
	require.NoError(t, err)

	require.NoError(t, f.cp.SendUpdate(ctx, "7", ackID, Body{"verify_key": "abc"}))
	updates := f.published(CommandUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "cluster_7", updates[0].Attributes[AttrTarget])
	assert.Equal(t, ackID, decodeBody(t, updates[0].Data)[FieldAckID])

	reply(t, f, CommandUpdate, "cluster_7", Body{FieldAckID: ackID, "step": 1})
	reply(t, f, CommandUpdate, "cluster_7", Body{FieldAckID: ackID, "step": 2})
	assert.Equal(t, 2, f.recorder.count())

	_, err = f.callbacks.Get(ctx, ackID)
	require.NoError(t, err)

	reply(t, f, CommandAck, "cluster_7", Body{FieldAckID: ackID})
	assert.Equal(t, 3, f.recorder.count())
	_, err = f.callbacks.Get(ctx, ackID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, f.cp.SendUpdate(ctx, "7", "", nil), ErrMalformed)
}

func TestSendCommand_WithoutContinuation(t *testing.T) {
	f := setup(t, Config{})

	ackID, err := f.cp.SendCommand(context.Background(), "3", "RUN_JOB", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, ackID)

	sent := f.published("RUN_JOB")
	require.Len(t, sent, 1)
	assert.False(t, decodeBody(t, sent[0].Data).Has(FieldAckID))

	pending, err := f.cp.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Len(t, f.events.ofType(events.TypeCommandSent), 1)
}

func TestSendCommand_Validation(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	_, err := f.cp.SendCommand(ctx, "", "SYNC", nil, nil)
	assert.ErrorIs(t, err, ErrEmptyDestination)

	_, err = f.cp.SendCommand(ctx, "1", "", nil, nil)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = f.cp.SendCommand(ctx, "1", "SYNC", nil, &storage.Continuation{Handler: "nope"})
	assert.ErrorIs(t, err, ErrUnknownHandler)

	assert.Empty(t, f.bus.Published(testTopic))
}

func TestSendCommand_PublishFailureRemovesCallback(t *testing.T) {
	f := setup(t, Config{Topic: "missing"})

	_, err := f.cp.SendCommand(context.Background(), "1", "SYNC", nil, &storage.Continuation{Handler: "test.record"})
	assert.ErrorIs(t, err, transport.ErrNotFound)

	pending, err := f.callbacks.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

type denyLimiter struct{}

func (denyLimiter) Wait(context.Context, string) error { return errors.New("limit exceeded") }

func TestSendCommand_RateLimited(t *testing.T) {
	f := setup(t, Config{}, WithLimiter(denyLimiter{}))

	_, err := f.cp.SendCommand(context.Background(), "1", "SYNC", nil, &storage.Continuation{Handler: "test.record"})
	assert.ErrorContains(t, err, "limit exceeded")

	pending, err := f.callbacks.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSendCommand_ConcurrentUniqueAckIDs(t *testing.T) {
	f := setup(t, Config{})

	const n = 32
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := f.cp.SendCommand(context.Background(), string(rune('a'+i%26)), "SYNC", nil, &storage.Continuation{Handler: "test.record"})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		require.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate ackid %s", id)
		seen[id] = true
	}

	pending, err := f.callbacks.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, n)
}

func TestPing_RepliesWithPong(t *testing.T) {
	f := setup(t, Config{})

	s := reply(t, f, CommandPing, "cluster_7", Body{FieldID: "x"})
	assert.EqualValues(t, 1, s.acks.Load())

	pongs := f.published(CommandPong)
	require.Len(t, pongs, 1)
	assert.Equal(t, "cluster_7", pongs[0].Attributes[AttrTarget])
	assert.Equal(t, Body{FieldID: "x"}, decodeBody(t, pongs[0].Data))

	reply(t, f, CommandPing, "cluster_7", Body{})
	reply(t, f, CommandPing, "", Body{FieldID: "y"})
	assert.Len(t, f.published(CommandPong), 1)

	s = reply(t, f, CommandPong, "cluster_7", Body{FieldID: "x"})
	assert.EqualValues(t, 1, s.acks.Load())
}

func TestClusterStatus(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.clusters.SaveCluster(ctx, &storage.Cluster{ID: "7", Status: storage.ClusterInitialising}))

	s := reply(t, f, CommandClusterStatus, "cluster_8", Body{FieldClusterID: 7, FieldStatus: "r", FieldMessage: "ready"})
	assert.EqualValues(t, 1, s.acks.Load())
	c, err := f.clusters.GetCluster(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, storage.ClusterInitialising, c.Status)
	assert.Len(t, f.events.ofType(events.TypeMessageDropped), 1)

	s = reply(t, f, CommandClusterStatus, "cluster_7", Body{FieldClusterID: 7, FieldStatus: "r", FieldMessage: "ready"})
	assert.EqualValues(t, 1, s.acks.Load())
	c, err = f.clusters.GetCluster(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, storage.ClusterReady, c.Status)

	changes := f.events.ofType(events.TypeClusterStatusChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, events.ClusterStatusChanged{ClusterID: "7", From: "i", To: "r", Message: "ready"}, changes[0])
}

func TestClusterStatus_FailuresStillAck(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.clusters.SaveCluster(ctx, &storage.Cluster{ID: "7", Status: storage.ClusterReady}))

	cases := []Body{
		{FieldStatus: "e"},
		{FieldClusterID: "7", FieldStatus: "zz"},
		{FieldClusterID: "9", FieldStatus: "e"},
		{FieldClusterID: "7", FieldMessage: "no status"},
	}
	for _, body := range cases {
		source := "cluster_" + body.String(FieldClusterID)
		s := reply(t, f, CommandClusterStatus, source, body)
		assert.EqualValues(t, 1, s.acks.Load())
		assert.EqualValues(t, 0, s.nacks.Load())
	}

	c, err := f.clusters.GetCluster(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, storage.ClusterReady, c.Status)
	assert.Empty(t, f.events.ofType(events.TypeClusterStatusChanged))
}

func TestClusterStatus_RecordsReportedStatus(t *testing.T) {
	cases := []struct {
		name       string
		from       storage.ClusterStatus
		unexpected bool
	}{
		{"from new", storage.ClusterNew, true},
		{"from empty", "", false},
		{"from unknown code", "nm", false},
		{"from terminating", storage.ClusterTerminating, true},
		{"from deleted", storage.ClusterDeleted, true},
		{"from initialising", storage.ClusterInitialising, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t, Config{})
			ctx := context.Background()
			require.NoError(t, f.clusters.SaveCluster(ctx, &storage.Cluster{ID: "7", Status: tc.from}))

			s := reply(t, f, CommandClusterStatus, "cluster_7", Body{FieldClusterID: 7, FieldStatus: "r"})
			assert.EqualValues(t, 1, s.acks.Load())

			c, err := f.clusters.GetCluster(ctx, "7")
			require.NoError(t, err)
			assert.Equal(t, storage.ClusterReady, c.Status)

			changes := f.events.ofType(events.TypeClusterStatusChanged)
			require.Len(t, changes, 1)
			ev := changes[0].(events.ClusterStatusChanged)
			assert.Equal(t, string(tc.from), ev.From)
			assert.Equal(t, "r", ev.To)
			assert.Equal(t, tc.unexpected, ev.Unexpected)
		})
	}
}

func TestAck_FailingContinuationStillAcks(t *testing.T) {
	f := setup(t, Config{})
	f.recorder.err = errors.New("task store down")

	ackID, err := f.cp.SendCommand(context.Background(), "1", "SYNC", nil, &storage.Continuation{Handler: "test.record"})
	require.NoError(t, err)

	s := reply(t, f, CommandAck, "cluster_1", Body{FieldAckID: ackID})
	assert.EqualValues(t, 1, s.acks.Load())
	assert.Equal(t, 1, f.recorder.count())

	s = reply(t, f, CommandAck, "cluster_1", Body{})
	assert.EqualValues(t, 1, s.acks.Load())
}

func TestAck_UnknownContinuationStillClears(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.callbacks.Create(ctx, &storage.Callback{AckID: "old", Continuation: storage.Continuation{Handler: "removed.handler"}}))

	s := reply(t, f, CommandAck, "cluster_1", Body{FieldAckID: "old"})
	assert.EqualValues(t, 1, s.acks.Load())
	_, err := f.callbacks.Get(ctx, "old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStartStop(t *testing.T) {
	f := setup(t, Config{Topic: "fresh"})
	ctx := context.Background()

	require.NoError(t, f.cp.Start(ctx))
	assert.ErrorIs(t, f.cp.Start(ctx), ErrAlreadyStarted)
	assert.True(t, f.cp.Running())

	filter, ok := f.bus.HasSubscription("fresh-c2resp")
	require.True(t, ok)
	assert.Equal(t, transport.WithoutAttribute(AttrTarget), filter)

	st := f.cp.Status()
	assert.True(t, st.Started)
	assert.Equal(t, "memory/topics/fresh", st.Topic)
	assert.Equal(t, "memory/subscriptions/fresh-c2resp", st.Subscription)

	require.NoError(t, f.cp.Stop(ctx))
	assert.ErrorIs(t, f.cp.Stop(ctx), ErrNotStarted)
	assert.False(t, f.cp.Running())

	require.NoError(t, f.cp.Start(ctx))
	require.NoError(t, f.cp.Stop(ctx))
}

// slowReceiver keeps Receive running after cancellation until released,
// like a transport draining in-flight handlers.
type slowReceiver struct {
	*membus.Bus
	release chan struct{}
}

func (r *slowReceiver) Receive(ctx context.Context, _ string, _ transport.Handler) error {
	<-ctx.Done()
	<-r.release
	return nil
}

func TestStopTimeout_StartWaitsForDrain(t *testing.T) {
	bus := membus.New(membus.Config{})
	t.Cleanup(func() { _ = bus.Close() })
	tr := &slowReceiver{Bus: bus, release: make(chan struct{})}

	cp, err := New(Config{Topic: testTopic}, tr, memstore.NewCallbackStore())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, cp.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, cp.Stop(stopCtx), context.DeadlineExceeded)
	assert.False(t, cp.Running())

	assert.ErrorIs(t, cp.Start(ctx), ErrStopping)

	close(tr.release)
	assert.Eventually(t, func() bool { return cp.Start(ctx) == nil }, time.Second, 5*time.Millisecond)
	assert.True(t, cp.Running())

	require.NoError(t, cp.Stop(ctx))
}

func TestEndToEnd_ReplyOverBus(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.cp.Start(ctx))
	t.Cleanup(func() { _ = f.cp.Stop(ctx) })

	_, err := f.cp.CreateSubscriptionFor(ctx, "7")
	require.NoError(t, err)

	ackID, err := f.cp.SendCommand(ctx, "7", "SYNC", nil, &storage.Continuation{Handler: "test.record"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.bus.Stats("c2-cluster_7").Pending)
	assert.Equal(t, 0, f.bus.Stats("c2-c2resp").Pending)

	// Agent reply: no target, so it lands on the front end's subscription.
	data, attrs, err := Encode(CommandAck, Body{FieldAckID: ackID}, "", map[string]string{AttrSource: "cluster_7"})
	require.NoError(t, err)
	_, err = f.bus.Publish(ctx, testTopic, data, attrs)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return f.recorder.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return f.bus.Stats("c2-c2resp").Acked == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubscriptionLifecycle(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	p1, err := f.cp.CreateSubscriptionFor(ctx, "7")
	require.NoError(t, err)
	p2, err := f.cp.CreateSubscriptionFor(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, "memory/subscriptions/c2-cluster_7", p1)

	filter, ok := f.bus.HasSubscription("c2-cluster_7")
	require.True(t, ok)
	assert.Equal(t, transport.AttributeEquals(AttrTarget, "cluster_7"), filter)

	sa := "serviceAccount:cluster-7@hpc.iam.gserviceaccount.com"
	warnings, err := f.cp.GrantAccess(ctx, "7", sa)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.True(t, f.bus.HasBinding(transport.Subscription("c2-cluster_7"), transport.RoleSubscriber, sa))
	assert.True(t, f.bus.HasBinding(transport.Topic(testTopic), transport.RolePublisher, sa))

	require.NoError(t, f.cp.DeleteSubscriptionFor(ctx, "7", sa))
	_, ok = f.bus.HasSubscription("c2-cluster_7")
	assert.False(t, ok)
	assert.False(t, f.bus.HasBinding(transport.Topic(testTopic), transport.RolePublisher, sa))

	require.NoError(t, f.cp.DeleteSubscriptionFor(ctx, "7", ""))
	assert.Len(t, f.events.ofType(events.TypeSubscriptionRemoved), 2)

	eps := f.cp.AgentEndpoints("7")
	assert.Equal(t, Endpoints{
		Topic:        "memory/topics/c2",
		Subscription: "memory/subscriptions/c2-cluster_7",
		Target:       "cluster_7",
	}, eps)
}

func TestGrantAccess_PermissionDeniedIsWarning(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	_, err := f.cp.CreateSubscriptionFor(ctx, "7")
	require.NoError(t, err)

	sa := "serviceAccount:cluster-7@hpc.iam.gserviceaccount.com"
	f.bus.Deny(sa)

	warnings, err := f.cp.GrantAccess(ctx, "7", sa)
	require.NoError(t, err)
	assert.Len(t, warnings, 2)
	assert.Len(t, f.events.ofType(events.TypeAccessWarning), 2)

	_, err = f.cp.GrantAccess(ctx, "8", "serviceAccount:other@hpc.iam.gserviceaccount.com")
	assert.ErrorIs(t, err, transport.ErrNotFound)
}

func TestSweep(t *testing.T) {
	f := setup(t, Config{CallbackTTL: time.Hour})
	ctx := context.Background()

	ackID, err := f.cp.SendCommand(ctx, "1", "SYNC", nil, &storage.Continuation{Handler: "test.record"})
	require.NoError(t, err)

	n, err := f.cp.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.cp.correlator.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = f.cp.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired := f.events.ofType(events.TypeCallbackExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, ackID, expired[0].(events.CallbackExpired).AckID)
	assert.Equal(t, "cluster_1", expired[0].Destination())

	s := reply(t, f, CommandAck, "cluster_1", Body{FieldAckID: ackID})
	assert.EqualValues(t, 1, s.acks.Load())
	assert.Zero(t, f.recorder.count())
}

func TestSweepLoop(t *testing.T) {
	f := setup(t, Config{CallbackTTL: time.Millisecond, SweepInterval: 5 * time.Millisecond})
	ctx := context.Background()

	_, err := f.cp.SendCommand(ctx, "1", "SYNC", nil, &storage.Continuation{Handler: "test.record"})
	require.NoError(t, err)

	require.NoError(t, f.cp.Start(ctx))
	t.Cleanup(func() { _ = f.cp.Stop(ctx) })

	assert.Eventually(t, func() bool {
		pending, err := f.cp.Pending(ctx)
		return err == nil && len(pending) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.metrics.callbacks(CallbackExpired))
}

func TestNoTTLKeepsCallbacks(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	_, err := f.cp.SendCommand(ctx, "1", "SYNC", nil, &storage.Continuation{Handler: "test.record"})
	require.NoError(t, err)

	f.cp.correlator.now = func() time.Time { return time.Now().Add(24 * 365 * time.Hour) }
	n, err := f.cp.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := f.cp.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
