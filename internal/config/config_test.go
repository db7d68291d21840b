// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsFillsEveryKnob(t *testing.T) {
	var c RoomEngine
	c.Defaults()

	assert.Equal(t, "9.0.0", c.Matrix.MinRoomVersion)
	assert.Equal(t, 5*time.Second, c.Matrix.FederationTimeout)
	assert.Equal(t, 60*time.Second, c.Matrix.GetMissingEventsTimeout)
	assert.Equal(t, 30*time.Second, c.Matrix.ResendInterval)
	assert.Equal(t, time.Second, c.Matrix.JoinWarmup)
	assert.Equal(t, "RoomEngine", c.JetStream.TopicPrefix)
	assert.NotNil(t, c.JetStream.Addresses)
}

func TestDefaultsDoesNotOverrideSetValues(t *testing.T) {
	c := RoomEngine{Matrix: Matrix{MinRoomVersion: "10.0.0", FederationTimeout: 2 * time.Second}}
	c.Defaults()
	assert.Equal(t, "10.0.0", c.Matrix.MinRoomVersion)
	assert.Equal(t, 2*time.Second, c.Matrix.FederationTimeout)
}

func TestVerifyRequiresServerNameAndKeyIDAndServiceHost(t *testing.T) {
	var c RoomEngine
	err := c.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matrix.server_name is required")
	assert.Contains(t, err.Error(), "matrix.key_id is required")
	assert.Contains(t, err.Error(), "gateway.service_host is required")
}

func TestVerifyPassesWithRequiredFields(t *testing.T) {
	c := RoomEngine{
		Matrix:  Matrix{ServerName: "example.org", KeyID: "ed25519:1"},
		Gateway: Gateway{ServiceHost: "gateway.example.org"},
	}
	assert.NoError(t, c.Verify())
}

func TestJetStreamPrefixed(t *testing.T) {
	js := JetStream{TopicPrefix: "RoomEngine"}
	assert.Equal(t, "RoomEngineEvents", js.Prefixed("Events"))
}

func TestLoadReadsDefaultsAndVerifies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roomengine.yaml")
	doc := []byte(`
matrix:
  server_name: example.org
  key_id: ed25519:1
gateway:
  service_host: gateway.example.org
`)
	require.NoError(t, os.WriteFile(path, doc, 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "example.org", c.Matrix.ServerName)
	assert.Equal(t, 5*time.Second, c.Matrix.FederationTimeout)
}

func TestLoadMissingRequiredFieldFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roomengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("matrix:\n  server_name: example.org\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/roomengine.yaml")
	assert.Error(t, err)
}
