// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/absmach/fluxc2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.C2.Deployment = "hpc-east"
	cfg.C2.Topic = "c2-east"
	cfg.C2.Project = "hpc-project"
	cfg.Transport.Type = config.TransportMQTT
	return *cfg
}

func TestNewResource_DescribesChannel(t *testing.T) {
	res, err := newResource(context.Background(), testConfig())
	require.NoError(t, err)

	set := res.Set()
	want := map[attribute.Key]string{
		semconv.ServiceNameKey:           "fluxc2",
		semconv.ServiceInstanceIDKey:     "hpc-east",
		semconv.DeploymentEnvironmentKey: "hpc-east",
		TopicKey:                         "c2-east",
		ProjectKey:                       "hpc-project",
		TransportKey:                     config.TransportMQTT,
	}
	for key, value := range want {
		got, ok := set.Value(key)
		require.True(t, ok, "missing %s", key)
		assert.Equal(t, value, got.AsString(), string(key))
	}
}

func TestNewResource_NoProject(t *testing.T) {
	cfg := testConfig()
	cfg.C2.Project = ""

	res, err := newResource(context.Background(), cfg)
	require.NoError(t, err)
	_, ok := res.Set().Value(ProjectKey)
	assert.False(t, ok)
}

func TestExporterCredentials(t *testing.T) {
	cfg := testConfig().Server

	creds, err := exporterCredentials(cfg)
	require.NoError(t, err)
	assert.Nil(t, creds, "insecure exporter uses plaintext")

	cfg.OtelInsecure = false
	creds, err = exporterCredentials(cfg)
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "tls", creds.Info().SecurityProtocol)

	cfg.OtelCAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = exporterCredentials(cfg)
	assert.ErrorContains(t, err, "CA file")
}

func TestInitProvider_BadCAFile(t *testing.T) {
	cfg := testConfig()
	cfg.Server.OtelInsecure = false
	cfg.Server.OtelCAFile = filepath.Join(t.TempDir(), "missing.pem")

	_, err := InitProvider(context.Background(), cfg)
	assert.Error(t, err)
}

func TestInitProvider_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Server.OtelTracesEnabled = false
	cfg.Server.OtelMetricsEnabled = false

	shutdown, err := InitProvider(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
