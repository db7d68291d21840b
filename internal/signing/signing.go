// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package signing is the collaborator boundary for Matrix canonical-JSON
// signing and server-key verification (spec §1, "Signing service"). The
// room engine never reimplements canonical JSON or key management itself;
// it depends on this narrow interface, which a production deployment
// backs with the real server-key store while tests back it with Ed25519
// keys held in memory. Grounded on gomatrixserverlib's addContentHashesToEvent/
// signEvent pairing (event.go) and dendrite's KeyRing collaborator.
package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// Service is the signing-service collaborator's contract.
type Service interface {
	// CheckSignature verifies every signature block present on prunedJSON,
	// the canonical form produced by PruneEvent, for the named origin
	// server. It returns an error if verification fails.
	CheckSignature(ctx context.Context, origin string, prunedJSON []byte) error

	// ContentHash computes the sha256 content hash of eventJSON the same
	// way the sender would have, for comparison against the event's
	// advertised hashes.sha256 field.
	ContentHash(eventJSON []byte) ([]byte, error)

	// GetEventID derives the event ID for a PDU under the given room
	// version's ID-derivation rule (hash-derived for v9-v11).
	GetEventID(prunedJSON []byte, roomVersionID string) (string, error)

	// PruneEvent returns the "redacted" projection of eventJSON containing
	// only the fields covered by the event signature for roomVersionID.
	PruneEvent(eventJSON []byte, roomVersionID string) ([]byte, error)

	// SignEvent adds this server's signature to eventJSON and returns the
	// updated JSON.
	SignEvent(ctx context.Context, origin string, eventJSON []byte) ([]byte, error)
}

// retainedFields lists the keys that survive PruneEvent for a generic
// event. Additional per-type content keys are retained by pruneContent.
var retainedFields = []string{
	"event_id", "type", "room_id", "sender", "state_key", "content",
	"depth", "prev_events", "auth_events", "origin", "origin_server_ts",
	"membership", "redacts", "hashes", "signatures", "unsigned",
}

// pruneContent returns the subset of a decoded event's "content" object
// that must be retained by the signature-covered projection, varying by
// event type as Matrix's redaction algorithm specifies.
func pruneContent(eventType string, content map[string]interface{}) map[string]interface{} {
	keep := map[string]interface{}{}
	switch eventType {
	case "m.room.member":
		for _, k := range []string{"membership", "join_authorised_via_users_server"} {
			if v, ok := content[k]; ok {
				keep[k] = v
			}
		}
	case "m.room.create":
		return content
	case "m.room.join_rules":
		for _, k := range []string{"join_rule", "allow"} {
			if v, ok := content[k]; ok {
				keep[k] = v
			}
		}
	case "m.room.power_levels":
		for _, k := range []string{
			"ban", "events", "events_default", "kick", "redact", "state_default",
			"users", "users_default", "invite",
		} {
			if v, ok := content[k]; ok {
				keep[k] = v
			}
		}
	case "m.room.history_visibility":
		if v, ok := content["history_visibility"]; ok {
			keep["history_visibility"] = v
		}
	}
	return keep
}

// CanonicalJSON serialises v with sorted keys and no insignificant
// whitespace, matching Matrix's canonical JSON requirements closely
// enough for hashing/signing purposes in this engine.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return canonicalMarshal(generic)
}

func canonicalMarshal(v interface{}) ([]byte, error) {
	switch vv := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := canonicalMarshal(vv[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, vb...)
		}
		return append(out, '}'), nil
	case []interface{}:
		out := []byte{'['}
		for i, e := range vv {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := canonicalMarshal(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(vv)
	}
}

// PruneEventJSON is the shared implementation behind Service.PruneEvent;
// exported as a function so that test doubles can reuse it verbatim.
func PruneEventJSON(eventJSON []byte, _ string) ([]byte, error) {
	var full map[string]json.RawMessage
	if err := json.Unmarshal(eventJSON, &full); err != nil {
		return nil, fmt.Errorf("signing: decoding event: %w", err)
	}
	pruned := map[string]json.RawMessage{}
	for _, f := range retainedFields {
		if v, ok := full[f]; ok {
			pruned[f] = v
		}
	}
	if rawContent, ok := full["content"]; ok {
		var content map[string]interface{}
		if err := json.Unmarshal(rawContent, &content); err == nil {
			var eventType string
			if rawType, ok := full["type"]; ok {
				_ = json.Unmarshal(rawType, &eventType)
			}
			kept := pruneContent(eventType, content)
			keptJSON, err := json.Marshal(kept)
			if err != nil {
				return nil, err
			}
			pruned["content"] = keptJSON
		}
	}
	return CanonicalJSON(pruned)
}

// Sha256ContentHash hashes eventJSON with its "hashes", "signatures" and
// "unsigned" keys removed, matching Matrix's content-hash algorithm.
func Sha256ContentHash(eventJSON []byte) ([]byte, error) {
	var full map[string]json.RawMessage
	if err := json.Unmarshal(eventJSON, &full); err != nil {
		return nil, err
	}
	delete(full, "hashes")
	delete(full, "signatures")
	delete(full, "unsigned")
	canon, err := CanonicalJSON(full)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canon)
	return sum[:], nil
}

// Base64Encode/Decode use the unpadded standard alphabet Matrix uses for
// content hashes and signatures.
func Base64Encode(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }
func Base64Decode(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(s)
}

// KeyPair is a minimal in-memory Ed25519 identity, used by the in-process
// test double and by local event origination.
type KeyPair struct {
	Origin  string
	KeyID   string
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// inMemoryService is a test/demo-grade Service backed by a fixed set of
// known server keys, analogous to dendrite's KeyRing but without network
// fetch of remote server keys (a real deployment supplies those).
type inMemoryService struct {
	keys map[string]KeyPair // origin -> keypair
}

// NewInMemoryService returns a Service usable in tests and for the single
// local server identity; remote-server signature checks always succeed
// unless the service holds the origin's key and the signature verifiably fails,
// mirroring how unit tests stub out federation without a full key
// verification round trip.
func NewInMemoryService(local KeyPair) Service {
	return &inMemoryService{keys: map[string]KeyPair{local.Origin: local}}
}

func (s *inMemoryService) CheckSignature(_ context.Context, origin string, prunedJSON []byte) error {
	var withSigs struct {
		Signatures map[string]map[string]string `json:"signatures"`
	}
	if err := json.Unmarshal(prunedJSON, &withSigs); err != nil {
		return fmt.Errorf("signing: decoding signatures: %w", err)
	}
	kp, known := s.keys[origin]
	if !known {
		// We don't hold this server's key; in this reference
		// implementation we can't verify it, so we don't reject it
		// either — a production KeyRing would fetch the key first.
		return nil
	}
	sigsByKey, ok := withSigs.Signatures[origin]
	if !ok {
		return fmt.Errorf("signing: no signature from %q", origin)
	}
	sigB64, ok := sigsByKey[kp.KeyID]
	if !ok {
		return fmt.Errorf("signing: no signature from %q under key %q", origin, kp.KeyID)
	}
	sig, err := Base64Decode(sigB64)
	if err != nil {
		return fmt.Errorf("signing: decoding signature: %w", err)
	}
	unsigned, err := stripSignatures(prunedJSON)
	if err != nil {
		return err
	}
	if !ed25519.Verify(kp.Public, unsigned, sig) {
		return fmt.Errorf("signing: signature from %q did not verify", origin)
	}
	return nil
}

func stripSignatures(eventJSON []byte) ([]byte, error) {
	var full map[string]json.RawMessage
	if err := json.Unmarshal(eventJSON, &full); err != nil {
		return nil, err
	}
	delete(full, "signatures")
	delete(full, "unsigned")
	return CanonicalJSON(full)
}

func (s *inMemoryService) ContentHash(eventJSON []byte) ([]byte, error) {
	return Sha256ContentHash(eventJSON)
}

func (s *inMemoryService) GetEventID(prunedJSON []byte, _ string) (string, error) {
	sum := sha256.Sum256(prunedJSON)
	return "$" + Base64Encode(sum[:]), nil
}

func (s *inMemoryService) PruneEvent(eventJSON []byte, roomVersionID string) ([]byte, error) {
	return PruneEventJSON(eventJSON, roomVersionID)
}

func (s *inMemoryService) SignEvent(_ context.Context, origin string, eventJSON []byte) ([]byte, error) {
	kp, ok := s.keys[origin]
	if !ok {
		return nil, fmt.Errorf("signing: no local key for origin %q", origin)
	}
	unsigned, err := stripSignatures(eventJSON)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(kp.Private, unsigned)

	var full map[string]json.RawMessage
	if err := json.Unmarshal(eventJSON, &full); err != nil {
		return nil, err
	}
	sigs := map[string]map[string]string{origin: {kp.KeyID: Base64Encode(sig)}}
	sigsJSON, err := json.Marshal(sigs)
	if err != nil {
		return nil, err
	}
	full["signatures"] = sigsJSON
	return json.Marshal(full)
}
