// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package eventpdu is the event codec (spec C1): it turns wire PDU JSON
// into a typed, immutable-once-populated Event, and computes event ids
// and content hashes via the signing collaborator. Grounded on
// gomatrixserverlib's Event/EventBuilder split (event.go) but flattened
// to a single struct, matching how this engine never needs the
// room-version-dependent wire encoding gymnastics a full client/server
// library does.
package eventpdu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/ike20013/roomengine/internal/matrixid"
	"github.com/ike20013/roomengine/internal/rerr"
	"github.com/ike20013/roomengine/internal/roomversion"
	"github.com/ike20013/roomengine/internal/signing"
)

// StateKeyTuple is the (type, state_key) key used throughout the state
// map and auth-snapshot types.
type StateKeyTuple struct {
	Type     string
	StateKey string
}

func (t StateKeyTuple) String() string {
	return t.Type + "\x1f" + t.StateKey
}

// StateMap is a DAG-store state snapshot: (type, state_key) -> event id.
// It is always a plain value type so that copying it (e.g. when deriving
// a child's state map) never aliases the parent's.
type StateMap map[StateKeyTuple]string

// Clone returns a shallow copy of m.
func (m StateMap) Clone() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MaxDepth is the depth ceiling named in spec §3: 2^63 - 1.
const MaxDepth = int64(math.MaxInt64)

// PDU is the wire shape decoded directly from JSON, before codec
// validation. Fields left as json.RawMessage are interpreted by
// higher-level helpers (content, hashes, signatures) because the codec
// itself never needs their structure.
type PDU struct {
	Type           string          `json:"type"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	StateKey       *string         `json:"state_key,omitempty"`
	Depth          int64           `json:"depth"`
	AuthEvents     []string        `json:"auth_events"`
	PrevEvents     []string        `json:"prev_events"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content,omitempty"`
	Redacts        string          `json:"redacts,omitempty"`
	Hashes         json.RawMessage `json:"hashes,omitempty"`
	Signatures     json.RawMessage `json:"signatures,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

// Event is the codec's output: a fully-populated, mostly-immutable
// decoded PDU. The one mutable field is StateMap, which upgrades in
// place from nil to populated exactly once (invariant 5, spec §3); every
// other field is set at construction and never changes.
type Event struct {
	ID             string
	RoomID         string
	Type           string
	StateKey       *string
	Sender         string
	Depth          int64
	AuthEvents     []string
	PrevEvents     []string
	OriginServerTS int64
	RoomVersion    roomversion.Profile
	JSON           json.RawMessage

	// StateMap is nil until the event has been fully authorised with
	// known parents ("known but not materialised"). Once set it must
	// never be reset to nil.
	StateMap StateMap
}

// IsState reports whether the event carries a state_key.
func (e *Event) IsState() bool { return e.StateKey != nil }

// StateKeyTuple returns the (type, state_key) pair this event would
// write into a state map, valid only when IsState() is true.
func (e *Event) StateKeyTuple() StateKeyTuple {
	return StateKeyTuple{Type: e.Type, StateKey: *e.StateKey}
}

// Content unmarshals the event's content field into v.
func (e *Event) Content(v interface{}) error {
	if len(e.JSON) == 0 {
		return fmt.Errorf("eventpdu: event %s has no JSON body", e.ID)
	}
	var full struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(e.JSON, &full); err != nil {
		return err
	}
	if len(full.Content) == 0 {
		return nil
	}
	return json.Unmarshal(full.Content, v)
}

// validatePDU checks the required fields for presence on behalf of Decode;
// missing any of them is a codec-level rejection, per spec §4.1.
func validatePDU(pdu *PDU) error {
	if pdu.Type == "" {
		return fmt.Errorf("eventpdu: missing required field \"type\"")
	}
	if pdu.RoomID == "" {
		return fmt.Errorf("eventpdu: missing required field \"room_id\"")
	}
	if pdu.Sender == "" {
		return fmt.Errorf("eventpdu: missing required field \"sender\"")
	}
	if pdu.Depth < 0 {
		return fmt.Errorf("eventpdu: depth must be non-negative, got %d", pdu.Depth)
	}
	if pdu.AuthEvents == nil {
		return fmt.Errorf("eventpdu: missing required field \"auth_events\"")
	}
	if pdu.PrevEvents == nil {
		return fmt.Errorf("eventpdu: missing required field \"prev_events\"")
	}
	if pdu.OriginServerTS <= 0 {
		return fmt.Errorf("eventpdu: missing required field \"origin_server_ts\"")
	}
	return nil
}

// Decode parses raw PDU JSON into a fully populated Event with a fresh
// event id and StateMap == nil, per spec §4.1. It does not check
// signatures or content hashes; call CheckEventSigAndHash separately,
// mirroring the codec/signing-service split named in spec §1.
func Decode(raw json.RawMessage, profile roomversion.Profile, svc signing.Service) (*Event, error) {
	var pdu PDU
	if err := json.Unmarshal(raw, &pdu); err != nil {
		return nil, fmt.Errorf("eventpdu: invalid PDU JSON: %w", err)
	}
	if err := validatePDU(&pdu); err != nil {
		return nil, err
	}
	if pdu.Depth > MaxDepth {
		pdu.Depth = MaxDepth
	}

	pruned, err := svc.PruneEvent(raw, string(profile.ID))
	if err != nil {
		return nil, fmt.Errorf("eventpdu: pruning event: %w", err)
	}
	id, err := svc.GetEventID(pruned, string(profile.ID))
	if err != nil {
		return nil, fmt.Errorf("eventpdu: computing event id: %w", err)
	}

	return &Event{
		ID:             id,
		RoomID:         pdu.RoomID,
		Type:           pdu.Type,
		StateKey:       pdu.StateKey,
		Sender:         pdu.Sender,
		Depth:          pdu.Depth,
		AuthEvents:     pdu.AuthEvents,
		PrevEvents:     pdu.PrevEvents,
		OriginServerTS: pdu.OriginServerTS,
		RoomVersion:    profile,
		JSON:           raw,
		StateMap:       nil,
	}, nil
}

// CheckEventSigAndHash implements spec §4.1's two-stage check: first the
// signature over the pruned form, then the content hash over the full
// form. A content-hash mismatch is recoverable — the event is still
// usable for state purposes, just with its JSON replaced by the pruned
// (redacted) projection — while a signature failure is not.
func CheckEventSigAndHash(host string, event *Event, svc signing.Service) error {
	pruned, err := svc.PruneEvent(event.JSON, string(event.RoomVersion.ID))
	if err != nil {
		return fmt.Errorf("eventpdu: pruning event %s: %w", event.ID, err)
	}
	if err := svc.CheckSignature(nil, host, pruned); err != nil {
		return rerr.ErrInvalidSignature(event.ID)
	}

	var withHashes struct {
		Hashes struct {
			SHA256 string `json:"sha256"`
		} `json:"hashes"`
	}
	if err := json.Unmarshal(event.JSON, &withHashes); err != nil {
		return fmt.Errorf("eventpdu: decoding hashes of %s: %w", event.ID, err)
	}
	wantHash, err := signing.Base64Decode(withHashes.Hashes.SHA256)
	if err != nil {
		return fmt.Errorf("eventpdu: decoding advertised hash of %s: %w", event.ID, err)
	}
	gotHash, err := svc.ContentHash(event.JSON)
	if err != nil {
		return fmt.Errorf("eventpdu: hashing %s: %w", event.ID, err)
	}
	if !bytes.Equal(wantHash, gotHash) {
		// Recoverable: keep the signature-valid event, but discard the
		// (possibly tampered) content by replacing JSON with the pruned
		// form.
		event.JSON = pruned
		return nil
	}
	return nil
}

// DomainFromSender returns the server name portion of the event's sender,
// a convenience used throughout the auth engine.
func (e *Event) DomainFromSender() (string, error) {
	return matrixid.DomainFromID(e.Sender)
}
