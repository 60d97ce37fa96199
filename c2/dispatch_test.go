// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package c2

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/absmach/fluxc2/events"
	"github.com/absmach/fluxc2/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settlement struct {
	acks  atomic.Int32
	nacks atomic.Int32
}

func inbound(command, source, body string) (*transport.Message, *settlement) {
	s := &settlement{}
	attrs := map[string]string{}
	if command != "" {
		attrs[AttrCommand] = command
	}
	if source != "" {
		attrs[AttrSource] = source
	}
	msg := transport.NewMessage("m-1", []byte(body), attrs,
		func() { s.acks.Add(1) },
		func() { s.nacks.Add(1) })
	return msg, s
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Notify(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) ofType(typ string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []events.Event
	for _, e := range r.events {
		if e.Type() == typ {
			out = append(out, e)
		}
	}
	return out
}

type metricsRecorder struct {
	mu       sync.Mutex
	outcomes map[string][]Outcome
	sent     map[string]int
	cb       map[string]int
}

func newMetricsRecorder() *metricsRecorder {
	return &metricsRecorder{
		outcomes: map[string][]Outcome{},
		sent:     map[string]int{},
		cb:       map[string]int{},
	}
}

func (m *metricsRecorder) MessageHandled(command string, o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[command] = append(m.outcomes[command], o)
}

func (m *metricsRecorder) CommandSent(command string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[command]++
}

func (m *metricsRecorder) CallbackEvent(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb[event]++
}

func (m *metricsRecorder) callbacks(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cb[event]
}

func TestDispatcher_InvokesRegisteredHandlerOnce(t *testing.T) {
	reg := NewRegistry()
	var runJob, syncCalls atomic.Int32
	var gotSource string
	require.NoError(t, reg.Register("RUN_JOB", func(_ context.Context, body Body, source string) (bool, error) {
		runJob.Add(1)
		gotSource = source
		assert.Equal(t, "42", body.String("job_id"))
		return true, nil
	}))
	require.NoError(t, reg.Register("SYNC", func(context.Context, Body, string) (bool, error) {
		syncCalls.Add(1)
		return true, nil
	}))

	d := NewDispatcher(reg, nil, nil, nil)
	msg, s := inbound("RUN_JOB", "cluster_3", `{"job_id": 42}`)
	d.Handle(context.Background(), msg)

	assert.EqualValues(t, 1, runJob.Load())
	assert.EqualValues(t, 0, syncCalls.Load())
	assert.Equal(t, "cluster_3", gotSource)
	assert.EqualValues(t, 1, s.acks.Load())
	assert.EqualValues(t, 0, s.nacks.Load())
}

func TestDispatcher_UnregisteredCommandIsDropped(t *testing.T) {
	reg := NewRegistry()
	var calls atomic.Int32
	require.NoError(t, reg.Register("SYNC", func(context.Context, Body, string) (bool, error) {
		calls.Add(1)
		return true, nil
	}))
	rec := &eventRecorder{}
	metrics := newMetricsRecorder()
	d := NewDispatcher(reg, nil, metrics, rec)

	for range 3 {
		msg, s := inbound("DELETE_EVERYTHING", "cluster_1", `{}`)
		d.Handle(context.Background(), msg)
		assert.EqualValues(t, 1, s.acks.Load())
		assert.EqualValues(t, 0, s.nacks.Load())
	}

	assert.EqualValues(t, 0, calls.Load())
	assert.Len(t, rec.ofType(events.TypeMessageDropped), 3)
	assert.Equal(t, []Outcome{OutcomeDrop, OutcomeDrop, OutcomeDrop}, metrics.outcomes["DELETE_EVERYTHING"])
}

func TestDispatcher_Outcomes(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("OK", func(context.Context, Body, string) (bool, error) { return true, nil }))
	require.NoError(t, reg.Register("DECLINE", func(context.Context, Body, string) (bool, error) { return false, nil }))
	require.NoError(t, reg.Register("FAIL", func(context.Context, Body, string) (bool, error) { return true, errors.New("db down") }))
	require.NoError(t, reg.Register("PANIC", func(context.Context, Body, string) (bool, error) { panic("boom") }))

	cases := []struct {
		name    string
		command string
		body    string
		want    Outcome
	}{
		{"success", "OK", `{}`, OutcomeAck},
		{"declined", "DECLINE", `{}`, OutcomeNack},
		{"error", "FAIL", `{}`, OutcomeNack},
		{"panic", "PANIC", `{}`, OutcomeNack},
		{"malformed body", "OK", `{"a":`, OutcomeDrop},
		{"missing command", "", `{}`, OutcomeDrop},
		{"invalid command", "not a command", `{}`, OutcomeDrop},
	}

	d := NewDispatcher(reg, nil, nil, nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, _ := inbound(tc.command, "", tc.body)
			assert.Equal(t, tc.want, d.Dispatch(context.Background(), msg))

			msg, s := inbound(tc.command, "", tc.body)
			d.Handle(context.Background(), msg)
			if tc.want == OutcomeNack {
				assert.EqualValues(t, 1, s.nacks.Load())
				assert.EqualValues(t, 0, s.acks.Load())
			} else {
				assert.EqualValues(t, 1, s.acks.Load())
				assert.EqualValues(t, 0, s.nacks.Load())
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	h := func(context.Context, Body, string) (bool, error) { return true, nil }

	require.NoError(t, reg.Register("SYNC", h))
	require.NoError(t, reg.Register("RUN_JOB", h))
	assert.ErrorIs(t, reg.Register("SYNC", h), ErrDuplicateCommand)
	assert.ErrorIs(t, reg.Register("", h), ErrMalformed)
	assert.Error(t, reg.Register("X", nil))

	_, ok := reg.Lookup("SYNC")
	assert.True(t, ok)
	_, ok = reg.Lookup("NOPE")
	assert.False(t, ok)
	assert.Equal(t, []string{"RUN_JOB", "SYNC"}, reg.Commands())
}
