package domain

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// MessageType discriminates the signaling tagged union.
type MessageType string

const (
	MessageRequestOffer    MessageType = "request-offer"
	MessageOffer           MessageType = "offer"
	MessageAnswer          MessageType = "answer"
	MessageCandidate       MessageType = "candidate"
	MessageStreamStarted   MessageType = "stream-started"
	MessageParticipantLeft MessageType = "participant-left"
)

// SignalMessage is the wire schema exchanged over the signaling transport.
// Payload decoding is per-type; Validate rejects structurally invalid
// variants before they reach the state machine.
type SignalMessage struct {
	Type         MessageType     `json:"type"`
	FromUserID   PeerID          `json:"from_user_id"`
	TargetUserID PeerID          `json:"target_user_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type DescriptionPayload struct {
	SDP     string `json:"sdp"`
	SDPType string `json:"sdp_type"`
}

type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type StreamStartedPayload struct {
	ParticipantID PeerID     `json:"participant_id"`
	Stream        StreamInfo `json:"stream"`
}

// Validate checks the structural invariants of the message for its type.
// Returns a MalformedError describing the first offending field.
func (m SignalMessage) Validate() error {
	if m.Type == "" {
		return &MalformedError{Field: "type", Reason: "is required"}
	}
	if m.FromUserID == "" {
		return &MalformedError{Field: "from_user_id", Reason: "is required"}
	}

	switch m.Type {
	case MessageRequestOffer, MessageParticipantLeft:
		return nil

	case MessageOffer, MessageAnswer:
		var p DescriptionPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return &MalformedError{Field: "payload", Reason: "is not a session description"}
		}
		if p.SDP == "" {
			return &MalformedError{Field: "sdp", Reason: "is required"}
		}
		if p.SDPType != "offer" && p.SDPType != "answer" {
			return &MalformedError{Field: "sdp_type", Reason: "must be offer or answer"}
		}
		return nil

	case MessageCandidate:
		var p CandidatePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return &MalformedError{Field: "payload", Reason: "is not an ICE candidate"}
		}
		if p.Candidate.Candidate == "" {
			return &MalformedError{Field: "candidate", Reason: "is required"}
		}
		return nil

	case MessageStreamStarted:
		var p StreamStartedPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return &MalformedError{Field: "payload", Reason: "is not stream metadata"}
		}
		if p.ParticipantID == "" {
			return &MalformedError{Field: "participant_id", Reason: "is required"}
		}
		return nil

	default:
		return &MalformedError{Field: "type", Reason: "is unknown"}
	}
}

// Description decodes the SDP payload of an offer/answer message.
func (m SignalMessage) Description() (webrtc.SessionDescription, error) {
	var p DescriptionPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return webrtc.SessionDescription{}, &MalformedError{Field: "payload", Reason: "is not a session description"}
	}
	sd := webrtc.SessionDescription{SDP: p.SDP}
	switch p.SDPType {
	case "offer":
		sd.Type = webrtc.SDPTypeOffer
	case "answer":
		sd.Type = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, &MalformedError{Field: "sdp_type", Reason: "must be offer or answer"}
	}
	return sd, nil
}

// CandidateInit decodes the ICE candidate payload of a candidate message.
func (m SignalMessage) CandidateInit() (webrtc.ICECandidateInit, error) {
	var p CandidatePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return webrtc.ICECandidateInit{}, &MalformedError{Field: "payload", Reason: "is not an ICE candidate"}
	}
	return p.Candidate, nil
}

// NewDescriptionMessage builds an offer or answer message.
func NewDescriptionMessage(t MessageType, from, target PeerID, sd webrtc.SessionDescription) SignalMessage {
	payload, _ := json.Marshal(DescriptionPayload{SDP: sd.SDP, SDPType: sd.Type.String()})
	return SignalMessage{Type: t, FromUserID: from, TargetUserID: target, Payload: payload}
}

// NewCandidateMessage builds a candidate message.
func NewCandidateMessage(from, target PeerID, c webrtc.ICECandidateInit) SignalMessage {
	payload, _ := json.Marshal(CandidatePayload{Candidate: c})
	return SignalMessage{Type: MessageCandidate, FromUserID: from, TargetUserID: target, Payload: payload}
}

// NewStreamStartedMessage builds the participant's stream notification.
func NewStreamStartedMessage(from, target PeerID, info StreamInfo) SignalMessage {
	payload, _ := json.Marshal(StreamStartedPayload{ParticipantID: from, Stream: info})
	return SignalMessage{Type: MessageStreamStarted, FromUserID: from, TargetUserID: target, Payload: payload}
}
