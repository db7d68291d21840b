// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package rerr collects the typed error taxonomy used across the room
// engine. Handlers never leak bare errors across actor boundaries; they
// convert to one of these kinds so that callers (and the actor's own
// exception boundary) can pattern-match on Kind without string-sniffing
// messages, the same way gomatrixserverlib's eventauth.NotAllowed lets
// callers distinguish auth failures from transport failures.
package rerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error without pinning down its exact type. It exists
// so that logging and retry policy can switch on category rather than on
// a growing set of concrete error types.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindProtocol
	KindAuth
	KindTransport
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the typed error carried across component boundaries. Reason is
// a short machine-checkable tag (e.g. "invalid_signature", "not_invited")
// matching the taxonomy named in spec §7; Message is the human-readable
// detail.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Wrapped }

func newErr(kind Kind, reason, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy Kind/Reason to err while preserving its stack
// trace, for the rule-evaluation and actor exception boundaries where the
// original frame (not just the boundary's recover site) is what's worth
// logging. Wrapped.Error() on the result still %+v-prints the trace via
// pkg/errors' fmt.Formatter.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: err.Error(), Wrapped: errors.WithStack(err)}
}

// NotFound errors.

func ErrRoomNotFound(roomID string) error {
	return newErr(KindNotFound, "room_not_found", "room %q is not known to this actor", roomID)
}

func ErrEventNotFound(eventID string) error {
	return newErr(KindNotFound, "event_not_found", "event %q is not known to this actor", eventID)
}

// Protocol errors.

func ErrInvalidSignature(eventID string) error {
	return newErr(KindProtocol, "invalid_signature", "event %q failed signature verification", eventID)
}

func ErrMismatchedContentHash(eventID string) error {
	return newErr(KindProtocol, "mismatched_content_hash", "event %q content hash does not match", eventID)
}

func ErrMismatchedRoomID(eventID, a, b string) error {
	return newErr(KindProtocol, "mismatched_room_id", "event %q room id mismatch: %q != %q", eventID, a, b)
}

func ErrMissedStateKey(eventID string) error {
	return newErr(KindProtocol, "missed_state_key", "event %q is missing a required state_key", eventID)
}

func ErrMissedStateMap(eventID string) error {
	return newErr(KindProtocol, "missed_state_map", "event %q has no materialised state_map", eventID)
}

func ErrMissedPrevEvent(eventID string) error {
	return newErr(KindProtocol, "missed_prev_event", "event %q references an unknown prev_event", eventID)
}

func ErrUnknownEvent(eventID string) error {
	return newErr(KindProtocol, "unknown_event", "event %q is not known", eventID)
}

func ErrLoopInAuthChain() error {
	return newErr(KindProtocol, "loop_in_auth_chain", "cycle detected while walking auth_events")
}

// Auth errors.

func ErrEventAuthError(eventID string) error {
	return newErr(KindAuth, "event_auth_error", "event %q was not allowed by the auth rules", eventID)
}

func ErrNotInvited() error {
	return newErr(KindAuth, "not_invited", "local user has not been invited to this room")
}

func ErrIncompatibleVersion(version string) error {
	return newErr(KindAuth, "incompatible_version", "room version %q is not offered by this server", version)
}

func ErrNotAllowed(format string, args ...interface{}) error {
	return newErr(KindAuth, "not_allowed", format, args...)
}

// Fatal errors terminate the room actor.

func ErrFatal(reason, format string, args ...interface{}) error {
	return newErr(KindFatal, reason, format, args...)
}

// Is reports whether err is an *Error with the given reason tag.
func Is(err error, reason string) bool {
	re, ok := err.(*Error)
	return ok && re.Reason == reason
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	if re, ok := err.(*Error); ok {
		return re.Kind
	}
	return KindUnknown
}

// ReasonOf returns the reason tag of err, or "unknown" if err is not an
// *Error. Used for metric labels, where callers must not switch on the
// full error message.
func ReasonOf(err error) string {
	if re, ok := err.(*Error); ok {
		return re.Reason
	}
	return "unknown"
}
