package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedSnapshot marks a persisted snapshot that cannot be trusted.
var ErrMalformedSnapshot = errors.New("channel: malformed snapshot")

// Snapshot is the persisted projection of State.
type Snapshot struct {
	Status          Status     `json:"status"`
	CurrentGameID   string     `json:"current_game_id"`
	CurrentGameName string     `json:"current_game_name"`
	StreamStartedAt *time.Time `json:"stream_started_at,omitempty"`
	OfflineSince    *time.Time `json:"offline_since,omitempty"`
	GraceDeadline   *time.Time `json:"grace_deadline,omitempty"`
	Segments        []Segment  `json:"segments"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (s State) Snapshot() Snapshot {
	segs := s.Segments
	if segs == nil {
		segs = []Segment{}
	}
	return Snapshot{
		Status:          s.Status,
		CurrentGameID:   s.Game.ID,
		CurrentGameName: s.Game.Name,
		StreamStartedAt: optTime(s.StreamStartedAt),
		OfflineSince:    optTime(s.OfflineSince),
		GraceDeadline:   optTime(s.GraceDeadline),
		Segments:        append([]Segment(nil), segs...),
	}
}

// State validates the snapshot and converts it back.
func (s Snapshot) State() (State, error) {
	st := State{
		Status:          s.Status,
		Game:            Game{ID: s.CurrentGameID, Name: s.CurrentGameName},
		StreamStartedAt: derefTime(s.StreamStartedAt),
		OfflineSince:    derefTime(s.OfflineSince),
		GraceDeadline:   derefTime(s.GraceDeadline),
	}
	if len(s.Segments) > 0 {
		st.Segments = append([]Segment(nil), s.Segments...)
	}
	if err := st.validate(); err != nil {
		return State{}, err
	}
	return st, nil
}

func (s State) validate() error {
	switch s.Status {
	case Offline:
		if len(s.Segments) != 0 {
			return fmt.Errorf("%w: offline with %d segments", ErrMalformedSnapshot, len(s.Segments))
		}
	case Live, PendingOffline:
		if len(s.Segments) == 0 {
			return fmt.Errorf("%w: %s without segments", ErrMalformedSnapshot, s.Status)
		}
		if !s.Segments[len(s.Segments)-1].Open() {
			return fmt.Errorf("%w: %s with closed last segment", ErrMalformedSnapshot, s.Status)
		}
		if s.Status == PendingOffline && s.GraceDeadline.IsZero() {
			return fmt.Errorf("%w: pending_offline without grace deadline", ErrMalformedSnapshot)
		}
	default:
		return fmt.Errorf("%w: status %d", ErrMalformedSnapshot, int(s.Status))
	}
	return nil
}

// EncodeState renders the persisted document for st.
func EncodeState(st State) ([]byte, error) {
	return json.Marshal(st.Snapshot())
}

// DecodeState parses a persisted document. Any failure wraps
// ErrMalformedSnapshot so callers can fall back to Offline.
func DecodeState(b []byte) (State, error) {
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	return snap.State()
}
