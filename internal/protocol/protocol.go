// internal/protocol/protocol.go

// Package protocol defines the versioned JSON envelopes exchanged between the
// two peers over the data channel. Every frame is an Envelope whose payload is
// decoded against a strict per-kind schema; malformed frames yield typed
// errors and are never allowed to crash the runtime.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aifedespaix/cki/internal/models"
)

// Protocol versions, most preferred first.
const Version1 = 1

// SupportedVersions lists the versions this build speaks, in preference order.
var SupportedVersions = []int{Version1}

// Kind tags the envelope payload type.
type Kind string

const (
	KindHello           Kind = "hello"
	KindHelloAck        Kind = "hello_ack"
	KindHelloReject     Kind = "hello_reject"
	KindPing            Kind = "ping"
	KindPong            Kind = "pong"
	KindICERestart      Kind = "ice_restart"
	KindApp             Kind = "app"
	KindSnapshotRequest Kind = "snapshot_request"
	KindSnapshotOffer   Kind = "snapshot_offer"
)

// ErrUnrecognized reports a frame whose kind this build does not know.
var ErrUnrecognized = errors.New("protocol: unrecognized message kind")

// ErrMalformed reports a frame that failed schema validation.
var ErrMalformed = errors.New("protocol: malformed message")

// Envelope is the outer frame. V is the protocol version the sender speaks
// (for hello frames, the highest it supports).
type Envelope struct {
	V       int             `json:"v"`
	Kind    Kind            `json:"kind"`
	SentAt  time.Time       `json:"sentAt"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hello opens the version handshake.
type Hello struct {
	SessionID         string            `json:"sessionId"`
	SupportedVersions []int             `json:"supportedVersions"`
	Role              models.PlayerRole `json:"role"`
	PeerID            uuid.UUID         `json:"peerId"`
}

// HelloAck completes the handshake with the agreed version.
type HelloAck struct {
	SessionID     string            `json:"sessionId"`
	AgreedVersion int               `json:"agreedVersion"`
	Role          models.PlayerRole `json:"role"`
	PeerID        uuid.UUID         `json:"peerId"`
}

// HelloReject aborts the handshake; no mutually supported version exists.
type HelloReject struct {
	SessionID         string `json:"sessionId"`
	Reason            string `json:"reason"`
	SupportedVersions []int  `json:"supportedVersions"`
}

// Ping is a liveness probe; the nonce must round-trip in the matching Pong.
type Ping struct {
	Nonce  uuid.UUID `json:"nonce"`
	SentAt time.Time `json:"sentAt"`
}

// Pong answers a Ping, echoing its nonce.
type Pong struct {
	Nonce  uuid.UUID `json:"nonce"`
	SentAt time.Time `json:"sentAt"`
}

// ICERestart asks the remote peer to restart the underlying transport in
// place, without tearing down the logical session.
type ICERestart struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requestedAt"`
}

// App carries one replicated game action.
type App struct {
	ActionID           uuid.UUID         `json:"actionId"`
	Action             models.Action     `json:"action"`
	IssuerPeerID       uuid.UUID         `json:"issuerPeerId"`
	IssuerRole         models.PlayerRole `json:"issuerRole"`
	IssuedAt           time.Time         `json:"issuedAt"`
	AcknowledgedByHost bool              `json:"acknowledgedByHost"`
	RelayedByPeerID    *uuid.UUID        `json:"relayedByPeerId,omitempty"`
}

// SnapshotRequest asks the host for a fresh snapshot after a sync failure.
type SnapshotRequest struct {
	Reason string `json:"reason"`
}

// SnapshotOffer delivers a full state snapshot for reconciliation.
type SnapshotOffer struct {
	SnapshotID   uuid.UUID         `json:"snapshotId"`
	IssuedAt     time.Time         `json:"issuedAt"`
	State        *models.GameState `json:"state"`
	LastActionID *uuid.UUID        `json:"lastActionId,omitempty"`
}

// Negotiate picks the most-preferred mutually supported version. local must be
// in preference order; ok is false when no overlap exists.
func Negotiate(local, remote []int) (version int, ok bool) {
	for _, l := range local {
		for _, r := range remote {
			if l == r {
				return l, true
			}
		}
	}
	return 0, false
}

// Encode wraps a payload into an envelope frame.
func Encode(version int, kind Kind, sentAt time.Time, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s payload: %w", kind, err)
	}
	env := Envelope{V: version, Kind: kind, SentAt: sentAt, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s envelope: %w", kind, err)
	}
	return data, nil
}

// Decode parses a frame and validates its payload against the kind's schema.
// The returned value is one of the payload structs above.
func Decode(data []byte) (Envelope, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	payload, err := decodePayload(env)
	if err != nil {
		return env, nil, err
	}
	return env, payload, nil
}

func decodePayload(env Envelope) (interface{}, error) {
	switch env.Kind {
	case KindHello:
		var p Hello
		if err := strictUnmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		if len(p.SupportedVersions) == 0 {
			return nil, fmt.Errorf("%w: hello without supported versions", ErrMalformed)
		}
		if p.Role != models.RoleHost && p.Role != models.RoleGuest {
			return nil, fmt.Errorf("%w: hello with invalid role %q", ErrMalformed, p.Role)
		}
		if p.PeerID == uuid.Nil {
			return nil, fmt.Errorf("%w: hello without peer id", ErrMalformed)
		}
		return p, nil
	case KindHelloAck:
		var p HelloAck
		if err := strictUnmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.AgreedVersion == 0 {
			return nil, fmt.Errorf("%w: hello_ack without agreed version", ErrMalformed)
		}
		return p, nil
	case KindHelloReject:
		var p HelloReject
		if err := strictUnmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindPing:
		var p Ping
		if err := strictUnmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.Nonce == uuid.Nil {
			return nil, fmt.Errorf("%w: ping without nonce", ErrMalformed)
		}
		return p, nil
	case KindPong:
		var p Pong
		if err := strictUnmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.Nonce == uuid.Nil {
			return nil, fmt.Errorf("%w: pong without nonce", ErrMalformed)
		}
		return p, nil
	case KindICERestart:
		var p ICERestart
		if err := strictUnmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindApp:
		var p App
		if err := strictUnmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.ActionID == uuid.Nil {
			return nil, fmt.Errorf("%w: app message without action id", ErrMalformed)
		}
		if p.Action.Type == "" {
			return nil, fmt.Errorf("%w: app message without action type", ErrMalformed)
		}
		if p.IssuerPeerID == uuid.Nil {
			return nil, fmt.Errorf("%w: app message without issuer", ErrMalformed)
		}
		return p, nil
	case KindSnapshotRequest:
		var p SnapshotRequest
		if err := strictUnmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindSnapshotOffer:
		var p SnapshotOffer
		if err := strictUnmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.State == nil {
			return nil, fmt.Errorf("%w: snapshot_offer without state", ErrMalformed)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnrecognized, env.Kind)
	}
}

func strictUnmarshal(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
