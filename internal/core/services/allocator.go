package services

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// Allocator pre-creates the fixed media-line layout of one peer connection:
// video then audio, in that order, before the first offer or answer. The
// slot count and order never change afterwards; only the bound track does,
// always through the original sender so the media-line index stays put.
type Allocator struct {
	mu    sync.Mutex
	pc    ports.PeerConnection
	log   *zap.SugaredLogger
	slots []allocatedSlot
}

type allocatedSlot struct {
	slot        domain.TransceiverSlot
	transceiver ports.Transceiver
}

func NewAllocator(pc ports.PeerConnection, log *zap.SugaredLogger) *Allocator {
	return &Allocator{pc: pc, log: log}
}

// Allocate creates the video and audio transceivers with the given
// direction. Calling it twice is an error; the layout is fixed at session
// creation.
func (a *Allocator) Allocate(direction webrtc.RTPTransceiverDirection, withAudio bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.slots) > 0 {
		return domain.ErrSessionExists
	}

	type line struct {
		codec webrtc.RTPCodecType
		kind  domain.TrackKind
	}
	kinds := []line{{webrtc.RTPCodecTypeVideo, domain.TrackKindVideo}}
	if withAudio {
		kinds = append(kinds, line{webrtc.RTPCodecTypeAudio, domain.TrackKindAudio})
	}

	for i, k := range kinds {
		tr, err := a.pc.AddTransceiverFromKind(k.codec, webrtc.RTPTransceiverInit{
			Direction: direction,
		})
		if err != nil {
			return err
		}
		a.slots = append(a.slots, allocatedSlot{
			slot:        domain.TransceiverSlot{Kind: k.kind, Index: i},
			transceiver: tr,
		})
	}

	a.log.Debugw("transceivers allocated",
		"direction", direction.String(),
		"slots", len(a.slots),
	)
	return nil
}

// ReplaceTrack binds track into the slot for kind using the existing
// sender. Replacing with the same track id is a no-op so repeated recovery
// signals never trigger spurious renegotiation. A nil track unbinds.
func (a *Allocator) ReplaceTrack(kind domain.TrackKind, track webrtc.TrackLocal) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.slots {
		s := &a.slots[i]
		if s.slot.Kind != kind {
			continue
		}

		if track != nil && s.slot.CurrentTrackID == track.ID() {
			return nil
		}

		if err := s.transceiver.Sender().ReplaceTrack(track); err != nil {
			return err
		}
		if track != nil {
			s.slot.CurrentTrackID = track.ID()
		} else {
			s.slot.CurrentTrackID = ""
		}

		a.log.Debugw("track replaced",
			"kind", kind,
			"slot_index", s.slot.Index,
			"track_id", s.slot.CurrentTrackID,
		)
		return nil
	}
	return domain.ErrSlotNotFound
}

// Slots returns a copy of the current layout.
func (a *Allocator) Slots() []domain.TransceiverSlot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]domain.TransceiverSlot, len(a.slots))
	for i := range a.slots {
		out[i] = a.slots[i].slot
	}
	return out
}

// CurrentTrackID returns the track id bound to the slot for kind, or empty.
func (a *Allocator) CurrentTrackID(kind domain.TrackKind) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.slots {
		if a.slots[i].slot.Kind == kind {
			return a.slots[i].slot.CurrentTrackID
		}
	}
	return ""
}
