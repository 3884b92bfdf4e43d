package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("session already exists")
	ErrNegotiationBusy   = errors.New("negotiation already in flight")
	ErrSignalingUnstable = errors.New("signaling state not stable")
	ErrStaleAnswer       = errors.New("answer does not match the latest offer")
	ErrOfferIgnored      = errors.New("incoming offer ignored by impolite peer")
	ErrSlotNotFound      = errors.New("no transceiver slot for kind")
	ErrTransportNotReady = errors.New("signaling transport not ready")

	ErrParticipantNotFound = errors.New("participant not in roster")
)

// FailureCode classifies session-level failures for events and diagnostics.
type FailureCode string

const (
	CodeSignalingMalformed FailureCode = "SIGNALING_MALFORMED"
	CodeIceGatheringEmpty  FailureCode = "ICE_GATHERING_EMPTY"
	CodeIceTimeout         FailureCode = "ICE_TIMEOUT"
	CodeIceFailed          FailureCode = "ICE_FAILED"
	CodeHandshakeStuck     FailureCode = "HANDSHAKE_STUCK"
	CodeMediaAcquisition   FailureCode = "MEDIA_ACQUISITION_FAILED"
	CodeTrackDegraded      FailureCode = "TRACK_DEGRADED"
	CodeMediaFatal         FailureCode = "MEDIA_FATAL"
	CodeRetryExhausted     FailureCode = "RETRY_EXHAUSTED"
)

// SessionError is a session-level failure surfaced as a single synthesized
// event per session, never a flood of duplicates.
type SessionError struct {
	Code     FailureCode
	RemoteID PeerID
	Message  string
	Cause    error
}

func (e *SessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Code, e.RemoteID, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Code, e.RemoteID, e.Message)
}

func (e *SessionError) Unwrap() error { return e.Cause }

func NewSessionError(code FailureCode, remoteID PeerID, message string, cause error) *SessionError {
	return &SessionError{Code: code, RemoteID: remoteID, Message: message, Cause: cause}
}

// MalformedError marks a structurally invalid signaling message. These are
// logged and dropped at the boundary and never reach the state machine.
type MalformedError struct {
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed signaling message: %s %s", e.Field, e.Reason)
}

func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}
