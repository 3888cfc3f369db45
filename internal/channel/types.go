// Package channel holds the per-channel live/offline state machine.
//
// Everything here is pure: no I/O, no clock reads. Callers pass the
// observation time explicitly so a whole tick evaluates against one instant.
package channel

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ID is a channel login, normalized to lower case.
type ID string

func NormalizeID(s string) ID { return ID(strings.ToLower(strings.TrimSpace(s))) }

type Status int

const (
	Offline Status = iota
	Live
	PendingOffline
)

func (s Status) String() string {
	switch s {
	case Offline:
		return "offline"
	case Live:
		return "live"
	case PendingOffline:
		return "pending_offline"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	switch s {
	case Offline, Live, PendingOffline:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("channel: invalid status %d", int(s))
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "offline":
		*s = Offline
	case "live":
		*s = Live
	case "pending_offline":
		*s = PendingOffline
	default:
		return fmt.Errorf("channel: unknown status %q", string(b))
	}
	return nil
}

// Game is the content category a channel is streaming.
type Game struct {
	ID   string `json:"game_id"`
	Name string `json:"game_name"`
}

// Same compares by id when both sides carry one, else by name.
func (g Game) Same(o Game) bool {
	if g.ID != "" && o.ID != "" {
		return g.ID == o.ID
	}
	return g.Name == o.Name
}

type Segment struct {
	Game      Game
	StartedAt time.Time
	EndedAt   time.Time // zero while open
}

func (s Segment) Open() bool { return s.EndedAt.IsZero() }

type segmentJSON struct {
	GameID    string     `json:"game_id"`
	GameName  string     `json:"game_name"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (s Segment) MarshalJSON() ([]byte, error) {
	out := segmentJSON{GameID: s.Game.ID, GameName: s.Game.Name, StartedAt: s.StartedAt}
	if !s.EndedAt.IsZero() {
		end := s.EndedAt
		out.EndedAt = &end
	}
	return json.Marshal(out)
}

func (s *Segment) UnmarshalJSON(b []byte) error {
	var in segmentJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*s = Segment{Game: Game{ID: in.GameID, Name: in.GameName}, StartedAt: in.StartedAt}
	if in.EndedAt != nil {
		s.EndedAt = *in.EndedAt
	}
	return nil
}

// State is everything remembered about one channel between ticks.
type State struct {
	Status          Status
	Game            Game
	StreamStartedAt time.Time
	// OfflineSince and GraceDeadline are set only while PendingOffline.
	OfflineSince  time.Time
	GraceDeadline time.Time
	Segments      []Segment
}

// Clone returns a copy that shares no slices with s.
func (s State) Clone() State {
	cp := s
	if s.Segments != nil {
		cp.Segments = append([]Segment(nil), s.Segments...)
	}
	return cp
}

// Equal reports whether two states are observably identical.
func (s State) Equal(o State) bool {
	if s.Status != o.Status || s.Game != o.Game ||
		!s.StreamStartedAt.Equal(o.StreamStartedAt) ||
		!s.OfflineSince.Equal(o.OfflineSince) ||
		!s.GraceDeadline.Equal(o.GraceDeadline) ||
		len(s.Segments) != len(o.Segments) {
		return false
	}
	for i := range s.Segments {
		a, b := s.Segments[i], o.Segments[i]
		if a.Game != b.Game || !a.StartedAt.Equal(b.StartedAt) || !a.EndedAt.Equal(b.EndedAt) {
			return false
		}
	}
	return true
}

// PollResult is one observation of one channel.
type PollResult struct {
	Channel    ID
	Live       bool
	Game       Game
	StartedAt  time.Time
	ObservedAt time.Time

	// Carried through to events; not used for transitions.
	Title    string
	StreamID string
	UserID   string
}

type TransitionKind int

const (
	NoChange TransitionKind = iota
	WentLive
	GameChanged
	WentOffline
)

func (k TransitionKind) String() string {
	switch k {
	case NoChange:
		return "no_change"
	case WentLive:
		return "went_live"
	case GameChanged:
		return "game_changed"
	case WentOffline:
		return "went_offline"
	default:
		return fmt.Sprintf("transition(%d)", int(k))
	}
}

// Transition is the only thing handed downstream of the state machine.
type Transition struct {
	Kind TransitionKind
	// Game is the current game for WentLive and GameChanged, and the last
	// game for WentOffline.
	Game      Game
	OldGame   Game
	StartedAt time.Time
	EndedAt   time.Time
	Segments  []Segment
	// Title is the stream title at the time of the transition, if known.
	Title string
	// At is the tick instant that produced the transition.
	At time.Time
}
