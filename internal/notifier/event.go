package notifier

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"livewatch/internal/channel"
)

type EventType string

const (
	EventLive   EventType = "live"
	EventUpdate EventType = "update"
	EventVOD    EventType = "vod"
)

// AllEvents is the default enabled set.
var AllEvents = []EventType{EventLive, EventUpdate, EventVOD}

func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventLive, EventUpdate, EventVOD:
		return EventType(s), nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// TypeOf maps a transition to its event type; ok is false for NoChange.
func TypeOf(k channel.TransitionKind) (EventType, bool) {
	switch k {
	case channel.WentLive:
		return EventLive, true
	case channel.GameChanged:
		return EventUpdate, true
	case channel.WentOffline:
		return EventVOD, true
	}
	return "", false
}

// Event is the payload handed to a sink. Webhook and MQTT sinks send it
// as JSON; the telegram sink renders it.
type Event struct {
	ID          string            `json:"id"`
	ChannelID   string            `json:"channel_id"`
	Type        EventType         `json:"event_type"`
	GameID      string            `json:"game_id"`
	GameName    string            `json:"game_name"`
	OldGameID   string            `json:"old_game_id,omitempty"`
	OldGameName string            `json:"old_game_name,omitempty"`
	Title       string            `json:"title,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
	Segments    []channel.Segment `json:"segments,omitempty"`
	// TopClips is forwarded unmodified for the receiver to resolve.
	TopClips  int       `json:"top_clips,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}

// NewEvent builds the payload for tr. ok is false for NoChange.
func NewEvent(id channel.ID, tr channel.Transition, topClips int) (Event, bool) {
	typ, ok := TypeOf(tr.Kind)
	if !ok {
		return Event{}, false
	}
	ev := Event{
		ID:        uuid.NewString(),
		ChannelID: string(id),
		Type:      typ,
		GameID:    tr.Game.ID,
		GameName:  tr.Game.Name,
		Title:     tr.Title,
		StartedAt: tr.StartedAt,
		EmittedAt: tr.At,
	}
	switch typ {
	case EventUpdate:
		ev.OldGameID = tr.OldGame.ID
		ev.OldGameName = tr.OldGame.Name
	case EventVOD:
		end := tr.EndedAt
		ev.EndedAt = &end
		ev.Segments = append([]channel.Segment(nil), tr.Segments...)
		ev.TopClips = topClips
	}
	return ev, true
}

// MissingGameName is true when the game is known only by ID, which
// happens when the Helix category lookup failed.
func (e Event) MissingGameName() bool {
	return e.GameID != "" && e.GameName == ""
}

// Summary is a one-line plain text form for chat sinks.
func (e Event) Summary() string {
	game := e.GameName
	if game == "" {
		game = e.GameID
	}
	switch e.Type {
	case EventLive:
		return fmt.Sprintf("%s is live: %s", e.ChannelID, game)
	case EventUpdate:
		return fmt.Sprintf("%s switched to %s", e.ChannelID, game)
	case EventVOD:
		dur := time.Duration(0)
		if e.EndedAt != nil {
			dur = e.EndedAt.Sub(e.StartedAt).Truncate(time.Minute)
		}
		return fmt.Sprintf("%s went offline after %s (%d segments)", e.ChannelID, dur, len(e.Segments))
	}
	return e.ChannelID
}
