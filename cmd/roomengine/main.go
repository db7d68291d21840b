// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Command roomengine is the process entrypoint: it loads configuration,
// brings up an in-process NATS server for the event-stored/notify_event
// bus (mirroring setup/jetstream's embedded-server fallback for
// single-node deployments), wires the registry's supervisor, and starts
// one room actor per room on demand.
package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/ike20013/roomengine/internal/config"
	"github.com/ike20013/roomengine/internal/fedclient"
	"github.com/ike20013/roomengine/internal/federationserver"
	"github.com/ike20013/roomengine/internal/registry"
	"github.com/ike20013/roomengine/internal/roomactor"
	"github.com/ike20013/roomengine/internal/roomversion"
	"github.com/ike20013/roomengine/internal/signing"
)

var configPath = flag.String("config", "roomengine.yaml", "path to the room engine's YAML config")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	kp, err := loadSigningKey(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load signing key")
	}
	svc := signing.NewInMemoryService(kp)

	nc, err := startEmbeddedNATS(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to start event bus")
	}
	defer nc.Close()

	fed := fedclient.New(cfg.Matrix.ServerName, cfg.Matrix.KeyID, cfg.Matrix.FederationTimeout, svc)

	var reg *registry.Registry
	reg = registry.New(func(roomID string) (registry.ActorHandle, bool) {
		actor, err := roomactor.New(roomID, roomversion.Profile{}, roomactor.Deps{
			Config:  &cfg.Matrix,
			Signing: svc,
			Fed:     fed,
			Bus:     nc,
			OnTerminate: func(terminatedRoomID string) {
				reg.UnregisterRoom(terminatedRoomID)
			},
		})
		if err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("failed to start room actor")
			return nil, false
		}
		return actor, true
	})

	router := mux.NewRouter()
	federationserver.New(reg, svc).Register(router)

	httpSrv := &http.Server{
		Addr:    cfg.Gateway.ServiceHost,
		Handler: router,
	}

	logrus.WithFields(logrus.Fields{
		"server_name": cfg.Matrix.ServerName,
		"gateway":     cfg.Gateway.ServiceHost,
	}).Info("room engine started")

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Fatal("federation listener exited")
	}
}

// loadSigningKey reads the base64-encoded Ed25519 seed named by
// matrix.private_key_seed_path and builds the local server's KeyPair.
func loadSigningKey(cfg *config.RoomEngine) (signing.KeyPair, error) {
	raw, err := os.ReadFile(string(cfg.Matrix.PrivateKeySeedPath))
	if err != nil {
		return signing.KeyPair{}, fmt.Errorf("reading private key seed: %w", err)
	}
	seed, err := base64.RawStdEncoding.DecodeString(string(raw))
	if err != nil {
		return signing.KeyPair{}, fmt.Errorf("decoding private key seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return signing.KeyPair{
		Origin:  cfg.Matrix.ServerName,
		KeyID:   cfg.Matrix.KeyID,
		Private: priv,
		Public:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// startEmbeddedNATS brings up an in-process NATS server when no external
// addresses are configured, the same single-node fallback dendrite's
// setup/jetstream uses, then returns a client connection to it.
func startEmbeddedNATS(cfg *config.RoomEngine) (*nats.Conn, error) {
	if len(cfg.JetStream.Addresses) > 0 {
		return nats.Connect(cfg.JetStream.Addresses[0])
	}
	opts := &natsserver.Options{
		ServerName:     cfg.JetStream.Prefixed("Embedded"),
		DontListen:     false,
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		JetStream:      true,
		StoreDir:       os.TempDir(),
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("creating embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("embedded nats server did not become ready")
	}
	return nats.Connect(srv.ClientURL())
}
