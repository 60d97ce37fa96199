// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/absmach/fluxc2/c2"
	"github.com/absmach/fluxc2/config"
	"github.com/absmach/fluxc2/handlers"
	membus "github.com/absmach/fluxc2/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig stores a config using the in-process bus and on-disk stores
// so state survives across command invocations.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Transport.Type = config.TransportMemory
	cfg.Storage.Type = config.StorageBadger
	cfg.Storage.BadgerDir = filepath.Join(dir, "callbacks")
	cfg.Records.Type = config.StorageSQLite
	cfg.Records.SQLitePath = filepath.Join(dir, "records.db")
	cfg.Log.Level = "error"

	path := filepath.Join(dir, "c2d.yaml")
	require.NoError(t, cfg.Save(path))
	return path
}

func execute(t *testing.T, opts *rootOptions, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmdWith(opts)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// cli runs commands against one config and one bus shared by every
// invocation, standing in for the broker a deployment would use.
type cli struct {
	path string
	bus  *membus.Bus
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	bus := membus.New(membus.Config{})
	t.Cleanup(func() { _ = bus.Close() })
	return &cli{path: writeConfig(t), bus: bus}
}

func (c *cli) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, &rootOptions{bus: c.bus}, append([]string{"--config", c.path}, args...)...)
}

func (c *cli) published(t *testing.T, command string) []membus.Published {
	t.Helper()
	var out []membus.Published
	for _, p := range c.bus.Published(config.Default().C2.Topic) {
		if p.Attributes[c2.AttrCommand] == command {
			out = append(out, p)
		}
	}
	return out
}

func TestClustersAndSync(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "clusters", "add", "7", "hpc", "--status", "r")
	require.NoError(t, err)
	assert.Contains(t, out, "Added cluster 7 (ready)")

	out, err = c.run(t, "sync", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "Sent SYNC to cluster_7 ackid ")

	out, err = c.run(t, "clusters", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "hpc")
	assert.Contains(t, out, "initialising")

	out, err = c.run(t, "callbacks", "list")
	require.NoError(t, err)
	assert.Contains(t, out, handlers.ClusterSyncHandler)
	assert.Contains(t, out, "cluster_7")
}

func TestClustersAdd_InvalidStatus(t *testing.T) {
	c := newCLI(t)

	_, err := c.run(t, "clusters", "add", "7", "hpc", "--status", "zz")
	require.Error(t, err)
}

func TestSync_UnknownCluster(t *testing.T) {
	c := newCLI(t)

	_, err := c.run(t, "sync", "404")
	require.Error(t, err)
}

func TestSendTask(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "send", "3", "RUN_JOB", `{"job_id": 12}`, "--task", "Run job")
	require.NoError(t, err)
	assert.Contains(t, out, "Started task ")

	out, err = c.run(t, "callbacks", "list")
	require.NoError(t, err)
	assert.Contains(t, out, handlers.TaskUpdateHandler)
	assert.Contains(t, out, "RUN_JOB")
}

func TestSendAndPing(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "send", "3", "SPACK_INSTALL")
	require.NoError(t, err)
	assert.Equal(t, "Sent SPACK_INSTALL to cluster_3\n", out)

	out, err = c.run(t, "ping", "3")
	require.NoError(t, err)
	assert.Equal(t, "Sent PING to cluster_3\n", out)

	pings := c.published(t, c2.CommandPing)
	require.Len(t, pings, 1)
	assert.Equal(t, "cluster_3", pings[0].Attributes[c2.AttrTarget])
	assert.Len(t, c.published(t, "SPACK_INSTALL"), 1)

	out, err = c.run(t, "callbacks", "sweep")
	require.NoError(t, err)
	assert.Equal(t, "Removed 0 expired callbacks\n", out)
}

func TestSend_InvalidBody(t *testing.T) {
	c := newCLI(t)

	_, err := c.run(t, "send", "3", "RUN_JOB", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid body")
}

func TestUpdate(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "update", "3", "abc", `{"verify_key": "k"}`)
	require.NoError(t, err)
	assert.Equal(t, "Sent UPDATE abc to cluster_3\n", out)

	_, err = c.run(t, "update", "3", "abc", "--task", "missing")
	require.Error(t, err)
}

func TestBuilds(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "builds", "track", "images", "b-1", "--name", "base")
	require.NoError(t, err)
	assert.Contains(t, out, "Tracking build b-1 in images")

	out, err = c.run(t, "builds", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "b-1")
	assert.Contains(t, out, "in progress")
}

func TestSubscription(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "subscription", "create", "9")
	require.NoError(t, err)
	assert.Contains(t, out, "cluster_9")

	out, err = c.run(t, "subscription", "endpoints", "9")
	require.NoError(t, err)
	assert.Contains(t, out, `"target": "cluster_9"`)

	out, err = c.run(t, "subscription", "delete", "9")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted ")
}

func TestLoadConfig_Invalid(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, (&config.Config{}).Save(bad))

	_, err := execute(t, &rootOptions{}, "--config", bad, "ping", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestMemoryTransport_RefusesPublish(t *testing.T) {
	path := writeConfig(t)
	opts := func() *rootOptions { return &rootOptions{} }

	for _, args := range [][]string{
		{"ping", "3"},
		{"send", "3", "RUN_JOB"},
		{"update", "3", "abc"},
		{"subscription", "create", "9"},
	} {
		_, err := execute(t, opts(), append([]string{"--config", path}, args...)...)
		assert.ErrorIs(t, err, ErrLocalTransport, "%v", args)
	}

	// Record-only commands still work on a local setup.
	out, err := execute(t, opts(), "--config", path, "clusters", "add", "7", "hpc")
	require.NoError(t, err)
	assert.Contains(t, out, "Added cluster 7")
}
