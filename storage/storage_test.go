// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClusterStatus_CanTransition(t *testing.T) {
	cases := []struct {
		from, to ClusterStatus
		want     bool
	}{
		{ClusterNew, ClusterCreating, true},
		{ClusterCreating, ClusterInitialising, true},
		{ClusterInitialising, ClusterReady, true},
		{ClusterReady, ClusterReady, true},
		{ClusterReady, ClusterReconfiguring, true},
		{ClusterReconfiguring, ClusterReady, true},
		{ClusterTerminating, ClusterDeleted, true},
		{ClusterError, ClusterReady, true},
		{ClusterNew, ClusterReady, false},
		{ClusterDeleted, ClusterReady, false},
		{ClusterDeleted, ClusterDeleted, true},
		{ClusterReady, ClusterStatus("x"), false},
		{ClusterStatus("x"), ClusterStatus("x"), false},
		{ClusterStatus(""), ClusterReady, true},
		{ClusterStatus("zz"), ClusterInitialising, true},
		{ClusterStatus(""), ClusterStatus(""), false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestClusterStatus_Name(t *testing.T) {
	assert.Equal(t, "ready", ClusterReady.Name())
	assert.Equal(t, "reconfiguring", ClusterReconfiguring.Name())
	assert.Equal(t, "unknown", ClusterStatus("zz").Name())
	assert.True(t, ClusterError.Valid())
	assert.False(t, ClusterStatus("").Valid())
}

func TestCallback_Expired(t *testing.T) {
	now := time.Now()

	cb := &Callback{AckID: "a"}
	assert.False(t, cb.Expired(now))

	cb.ExpiresAt = now.Add(time.Minute)
	assert.False(t, cb.Expired(now))
	assert.True(t, cb.Expired(now.Add(time.Minute)))
}
