// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	cases := []struct {
		event       Event
		typ         string
		destination string
	}{
		{CommandSent{Target: "cluster_7", Command: "SYNC"}, TypeCommandSent, "cluster_7"},
		{MessageDropped{MessageID: "1", Source: "cluster_8", Reason: "source mismatch"}, TypeMessageDropped, "cluster_8"},
		{CallbackResolved{AckID: "a", Handler: "cluster.sync", Final: true}, TypeCallbackResolved, ""},
		{CallbackExpired{AckID: "a", Target: "cluster_7"}, TypeCallbackExpired, "cluster_7"},
		{ClusterStatusChanged{ClusterID: "7", From: "i", To: "r"}, TypeClusterStatusChanged, "cluster_7"},
		{SubscriptionCreated{Target: "cluster_7"}, TypeSubscriptionCreated, "cluster_7"},
		{SubscriptionRemoved{Target: "cluster_7"}, TypeSubscriptionRemoved, "cluster_7"},
		{AccessWarning{Target: "cluster_7", Principal: "serviceAccount:x"}, TypeAccessWarning, "cluster_7"},
		{BuildStatusChanged{BuildID: "b", Status: "s"}, TypeBuildStatusChanged, ""},
	}

	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			env := tc.event.Wrap("hpc-frontend")
			assert.Equal(t, tc.typ, env.EventType)
			assert.Equal(t, tc.destination, tc.event.Destination())
			assert.Equal(t, "hpc-frontend", env.Deployment)
			assert.NotEmpty(t, env.EventID)

			_, err := time.Parse(time.RFC3339Nano, env.Timestamp)
			assert.NoError(t, err)
		})
	}
}

func TestEnvelope_MarshalJSON(t *testing.T) {
	env := ClusterStatusChanged{ClusterID: "7", From: "i", To: "r"}.Wrap("hpc")

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeClusterStatusChanged, decoded["event_type"])
	assert.Equal(t, "hpc", decoded["deployment"])
	assert.Equal(t, map[string]any{"cluster_id": "7", "from": "i", "to": "r"}, decoded["data"])
}

func TestEventIDsUnique(t *testing.T) {
	e := CommandSent{Target: "cluster_1", Command: "PING"}
	assert.NotEqual(t, e.Wrap("d").EventID, e.Wrap("d").EventID)
}

type recordingSink struct {
	events []Event
	err    error
}

func (r *recordingSink) Notify(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestSinks(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("down")}
	sinks := Sinks{a, nil, b, Discard}

	err := sinks.Notify(context.Background(), CommandSent{Target: "cluster_1", Command: "PING"})
	assert.ErrorContains(t, err, "down")
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)

	assert.NoError(t, Sinks{a}.Notify(context.Background(), CommandSent{}))
}
