// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package fedclient is the federation HTTP client collaborator (spec §6):
// it issues the seven server-server request shapes the room actor needs
// (make_join, send_join, get_missing_events, state, event, send, invite)
// and signs every outgoing request with this server's Ed25519 key using
// the X-Matrix request-authentication scheme. Grounded on
// gomatrixserverlib's fclient request signing (event.go's SignEvent
// reused here against a request descriptor instead of a PDU, since the
// two algorithms coincide: canonicalise, strip signatures, sign, attach).
package fedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ike20013/roomengine/internal/signing"
)

// Client issues signed federation requests on behalf of one local origin
// server.
type Client struct {
	httpClient *http.Client
	signing    signing.Service
	origin     string
	keyID      string
}

// New returns a Client that signs requests as origin/keyID and enforces
// timeout on every call unless the caller's context sets a shorter
// deadline.
func New(origin, keyID string, timeout time.Duration, svc signing.Service) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		signing:    svc,
		origin:     origin,
		keyID:      keyID,
	}
}

// requestDescriptor is the canonical-JSON object the X-Matrix scheme
// signs: {method, uri, origin, destination, content?}.
type requestDescriptor struct {
	Method      string          `json:"method"`
	URI         string          `json:"uri"`
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Content     json.RawMessage `json:"content,omitempty"`
}

func (c *Client) authHeader(ctx context.Context, method, uri, destination string, body []byte) (string, error) {
	desc := requestDescriptor{Method: method, URI: uri, Origin: c.origin, Destination: destination}
	if len(body) > 0 {
		desc.Content = body
	}
	descJSON, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	signed, err := c.signing.SignEvent(ctx, c.origin, descJSON)
	if err != nil {
		return "", fmt.Errorf("fedclient: signing request: %w", err)
	}
	var withSigs struct {
		Signatures map[string]map[string]string `json:"signatures"`
	}
	if err := json.Unmarshal(signed, &withSigs); err != nil {
		return "", err
	}
	sig := withSigs.Signatures[c.origin][c.keyID]
	return fmt.Sprintf(`X-Matrix origin=%q,destination=%q,key=%q,sig=%q`, c.origin, destination, c.keyID, sig), nil
}

func (c *Client) do(ctx context.Context, method, server, path string, body []byte, out interface{}) error {
	url := fmt.Sprintf("https://%s%s", server, path)
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	header, err := c.authHeader(ctx, method, path, server, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fedclient: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fedclient: %s %s: status %d: %s", method, url, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// MakeJoinResponse is the make_join response body.
type MakeJoinResponse struct {
	Event       json.RawMessage `json:"event"`
	RoomVersion string          `json:"room_version"`
}

// MakeJoin calls GET /_matrix/federation/v1/make_join/{roomId}/{userId}
// advertising every room version this server supports.
func (c *Client) MakeJoin(ctx context.Context, server, roomID, userID string, supportedVersions []string) (*MakeJoinResponse, error) {
	vers := make([]string, len(supportedVersions))
	for i, v := range supportedVersions {
		vers[i] = "ver=" + v
	}
	path := fmt.Sprintf("/_matrix/federation/v1/make_join/%s/%s?%s", roomID, userID, strings.Join(vers, "&"))
	var out MakeJoinResponse
	if err := c.do(ctx, http.MethodGet, server, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendJoinResponse is the send_join v2 response body.
type SendJoinResponse struct {
	Event     json.RawMessage   `json:"event"`
	State     []json.RawMessage `json:"state"`
	AuthChain []json.RawMessage `json:"auth_chain"`
}

// SendJoin calls PUT /_matrix/federation/v2/send_join/{roomId}/{eventId}.
func (c *Client) SendJoin(ctx context.Context, server, roomID, eventID string, signedEventJSON []byte) (*SendJoinResponse, error) {
	path := fmt.Sprintf("/_matrix/federation/v2/send_join/%s/%s", roomID, eventID)
	var out SendJoinResponse
	if err := c.do(ctx, http.MethodPut, server, path, signedEventJSON, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMissingEventsResponse is the get_missing_events response body.
type GetMissingEventsResponse struct {
	Events []json.RawMessage `json:"events"`
}

// GetMissingEvents calls POST /_matrix/federation/v1/get_missing_events/{roomId}.
func (c *Client) GetMissingEvents(ctx context.Context, server, roomID string, earliest, latest []string, limit int) (*GetMissingEventsResponse, error) {
	body, err := json.Marshal(struct {
		EarliestEvents []string `json:"earliest_events"`
		LatestEvents   []string `json:"latest_events"`
		Limit          int      `json:"limit"`
	}{EarliestEvents: earliest, LatestEvents: latest, Limit: limit})
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/_matrix/federation/v1/get_missing_events/%s", roomID)
	var out GetMissingEventsResponse
	if err := c.do(ctx, http.MethodPost, server, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStateResponse is the /state response body.
type GetStateResponse struct {
	PDUs      []json.RawMessage `json:"pdus"`
	AuthChain []json.RawMessage `json:"auth_chain"`
}

// GetState calls GET /_matrix/federation/v1/state/{roomId}?event_id=….
func (c *Client) GetState(ctx context.Context, server, roomID, eventID string) (*GetStateResponse, error) {
	path := fmt.Sprintf("/_matrix/federation/v1/state/%s?event_id=%s", roomID, url.QueryEscape(eventID))
	var out GetStateResponse
	if err := c.do(ctx, http.MethodGet, server, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEvent calls GET /_matrix/federation/v1/event/{eventId}, returning the
// single PDU it carries.
func (c *Client) GetEvent(ctx context.Context, server, eventID string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/federation/v1/event/%s", eventID)
	var out struct {
		PDUs []json.RawMessage `json:"pdus"`
	}
	if err := c.do(ctx, http.MethodGet, server, path, nil, &out); err != nil {
		return nil, err
	}
	if len(out.PDUs) == 0 {
		return nil, fmt.Errorf("fedclient: get_event %s returned no pdus", eventID)
	}
	return out.PDUs[0], nil
}

// SendTransaction calls PUT /_matrix/federation/v1/send/{txnId} with the
// batch of PDUs queued for server, per spec §4.6's send_txn.
func (c *Client) SendTransaction(ctx context.Context, server, txnID string, originServerTS int64, pdus []json.RawMessage) error {
	body, err := json.Marshal(struct {
		Origin         string            `json:"origin"`
		OriginServerTS int64             `json:"origin_server_ts"`
		PDUs           []json.RawMessage `json:"pdus"`
	}{Origin: c.origin, OriginServerTS: originServerTS, PDUs: pdus})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/_matrix/federation/v1/send/%s", txnID)
	return c.do(ctx, http.MethodPut, server, path, body, nil)
}

// Invite calls PUT /_matrix/federation/v2/invite/{roomId}/{eventId}.
func (c *Client) Invite(ctx context.Context, server, roomID, eventID, roomVersion string, eventJSON []byte, inviteRoomState []json.RawMessage) error {
	body, err := json.Marshal(struct {
		Event           json.RawMessage   `json:"event"`
		RoomVersion     string            `json:"room_version"`
		InviteRoomState []json.RawMessage `json:"invite_room_state"`
	}{Event: eventJSON, RoomVersion: roomVersion, InviteRoomState: inviteRoomState})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/_matrix/federation/v2/invite/%s/%s", roomID, eventID)
	return c.do(ctx, http.MethodPut, server, path, body, nil)
}
