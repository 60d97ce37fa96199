// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/absmach/fluxc2/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

func setupTransport(t *testing.T) *Transport {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "hpc-project", option.WithGRPCConn(conn))
	require.NoError(t, err)

	tr := NewWithClient(client, Config{})
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code codes.Code
		want error
	}{
		{codes.AlreadyExists, transport.ErrAlreadyExists},
		{codes.NotFound, transport.ErrNotFound},
		{codes.PermissionDenied, transport.ErrPermissionDenied},
	}

	for _, tc := range cases {
		err := classify(status.Error(tc.code, "boom"))
		assert.ErrorIs(t, err, tc.want)
		assert.Equal(t, tc.code, status.Code(err), "original status preserved")
	}

	other := status.Error(codes.Unavailable, "down")
	assert.Equal(t, other, classify(other))
	assert.NoError(t, classify(nil))
}

func TestPaths(t *testing.T) {
	tr := setupTransport(t)

	assert.Equal(t, "hpc-project", tr.cfg.Project)
	assert.Equal(t, "projects/hpc-project/topics/c2", tr.TopicPath("c2"))
	assert.Equal(t, "projects/hpc-project/subscriptions/c2-cluster_7", tr.SubscriptionPath("c2-cluster_7"))
}

func TestEnsureIdempotent(t *testing.T) {
	tr := setupTransport(t)
	ctx := context.Background()

	require.NoError(t, tr.EnsureTopic(ctx, "c2"))
	require.NoError(t, tr.EnsureTopic(ctx, "c2"))

	p1, err := tr.EnsureSubscription(ctx, "c2", "c2-cluster_7", transport.AttributeEquals("target", "cluster_7"))
	require.NoError(t, err)
	p2, err := tr.EnsureSubscription(ctx, "c2", "c2-cluster_7", transport.AttributeEquals("target", "cluster_7"))
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	require.NoError(t, tr.DeleteSubscription(ctx, "c2-cluster_7"))
	err = tr.DeleteSubscription(ctx, "c2-cluster_7")
	assert.ErrorIs(t, err, transport.ErrNotFound)
}

func TestPublishReceive(t *testing.T) {
	tr := setupTransport(t)
	ctx := context.Background()

	require.NoError(t, tr.EnsureTopic(ctx, "c2"))
	_, err := tr.EnsureSubscription(ctx, "c2", "c2-c2resp", transport.WithoutAttribute("target"))
	require.NoError(t, err)

	id, err := tr.Publish(ctx, "c2", []byte(`{"ackid":"a1"}`), map[string]string{"command": "ACK", "source": "cluster_7"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	got := make(chan *transport.Message, 1)
	err = tr.Receive(rctx, "c2-c2resp", func(_ context.Context, msg *transport.Message) {
		msg.Ack()
		select {
		case got <- msg:
		default:
		}
		cancel()
	})
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.Equal(t, id, msg.ID)
		assert.Equal(t, "ACK", msg.Attr("command"))
		assert.Equal(t, "cluster_7", msg.Attr("source"))
		assert.JSONEq(t, `{"ackid":"a1"}`, string(msg.Data))
	default:
		t.Fatal("no message received")
	}
}

func TestPublishAfterClose(t *testing.T) {
	tr := setupTransport(t)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.Publish(context.Background(), "c2", nil, nil)
	assert.ErrorIs(t, err, transport.ErrClosed)
}
