// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package config is the YAML configuration surface for the room engine,
// following the Defaults()/Verify() split setup/config uses throughout
// dendrite (see config_jetstream.go) rather than hand-rolling flag
// parsing or env-var lookups.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Path mirrors dendrite's config.Path: a filesystem path that is always
// yaml-decoded as a plain string.
type Path string

// Matrix holds this server's own identity and the room-version/timeout
// policy knobs the room actor and auth engine consult.
type Matrix struct {
	// ServerName is this homeserver's domain, used for create-event
	// domain checks and for deciding local vs. remote in gateway bridge
	// jid mapping.
	ServerName string `yaml:"server_name"`
	// KeyID names the Ed25519 signing key this server signs PDUs with.
	KeyID string `yaml:"key_id"`
	// PrivateKeySeedPath points at a base64-encoded Ed25519 seed file; see
	// cmd/roomengine for how it's loaded into a signing.KeyPair.
	PrivateKeySeedPath Path `yaml:"private_key_seed_path"`
	// MinRoomVersion is the lowest room version this server will still
	// make_join into, expressed as a semver string and checked via
	// roomversion.MeetsMinimum.
	MinRoomVersion string `yaml:"min_room_version"`

	// FederationTimeout bounds ordinary federation HTTP calls (make_join,
	// send_join, get_state, get_event, send, invite), per spec §5.
	FederationTimeout time.Duration `yaml:"federation_timeout"`
	// GetMissingEventsTimeout is the longer timeout get_missing_events
	// alone uses.
	GetMissingEventsTimeout time.Duration `yaml:"get_missing_events_timeout"`
	// ResendInterval is how long the outbound txn queue waits before
	// retrying a non-200 send with the same txn_id.
	ResendInterval time.Duration `yaml:"resend_interval"`
	// JoinWarmup is the deliberate pause before make_join, preserved from
	// spec §5's directory-propagation warm-up.
	JoinWarmup time.Duration `yaml:"join_warmup"`
}

// Gateway configures the XMPP-facing bridge (C7).
type Gateway struct {
	// ServiceHost is the gateway component's own JID host, the part after
	// '@' in remote-user jids (u'%s'@service_host).
	ServiceHost string `yaml:"service_host"`
}

// JetStream configures the embedded NATS JetStream instance used for
// event-stored/notify_event fan-out, adapted from setup/config's
// JetStream block (config_jetstream.go) down to the knobs this engine
// actually uses; persistent streams are dropped since there is no
// on-disk event store to durably replay into (spec §1 Non-goals).
type JetStream struct {
	Addresses   []string `yaml:"addresses"`
	TopicPrefix string   `yaml:"topic_prefix"`
	InMemory    bool     `yaml:"in_memory"`
}

func (c *JetStream) Prefixed(name string) string {
	return fmt.Sprintf("%s%s", c.TopicPrefix, name)
}

// RoomEngine is the top-level config document.
type RoomEngine struct {
	Matrix    Matrix    `yaml:"matrix"`
	Gateway   Gateway   `yaml:"gateway"`
	JetStream JetStream `yaml:"jetstream"`
}

// Defaults fills in every knob not set in the YAML document, mirroring
// the Defaults(opts DefaultOpts) method dendrite's config types all
// implement.
func (c *RoomEngine) Defaults() {
	if c.Matrix.MinRoomVersion == "" {
		c.Matrix.MinRoomVersion = "9.0.0"
	}
	if c.Matrix.FederationTimeout == 0 {
		c.Matrix.FederationTimeout = 5 * time.Second
	}
	if c.Matrix.GetMissingEventsTimeout == 0 {
		c.Matrix.GetMissingEventsTimeout = 60 * time.Second
	}
	if c.Matrix.ResendInterval == 0 {
		c.Matrix.ResendInterval = 30 * time.Second
	}
	if c.Matrix.JoinWarmup == 0 {
		c.Matrix.JoinWarmup = time.Second
	}
	if c.JetStream.TopicPrefix == "" {
		c.JetStream.TopicPrefix = "RoomEngine"
	}
	if c.JetStream.Addresses == nil {
		c.JetStream.Addresses = []string{}
	}
}

// ConfigErrors collects every Verify() failure instead of stopping at the
// first, the same aggregation style setup/config's ConfigErrors uses.
type ConfigErrors []string

func (e *ConfigErrors) add(format string, args ...interface{}) {
	*e = append(*e, fmt.Sprintf(format, args...))
}

func (e ConfigErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msg := e[0]
	for _, extra := range e[1:] {
		msg += "; " + extra
	}
	return msg
}

// Verify validates the document, returning a non-nil error (a
// ConfigErrors) if anything required is missing or malformed.
func (c *RoomEngine) Verify() error {
	var errs ConfigErrors
	if c.Matrix.ServerName == "" {
		errs.add("matrix.server_name is required")
	}
	if c.Matrix.KeyID == "" {
		errs.add("matrix.key_id is required")
	}
	if c.Gateway.ServiceHost == "" {
		errs.add("gateway.service_host is required")
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Load reads, defaults and verifies a RoomEngine document from path.
func Load(path string) (*RoomEngine, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c RoomEngine
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	c.Defaults()
	if err := c.Verify(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}
