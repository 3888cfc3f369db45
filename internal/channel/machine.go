package channel

import "time"

// Advance applies one poll observation to a channel's state.
//
// It never mutates st; the returned State shares no slices with it.
// grace is how long a channel may be unseen before it counts as offline.
func Advance(st State, poll PollResult, now time.Time, grace time.Duration) (State, Transition) {
	next := st.Clone()
	none := Transition{Kind: NoChange, At: now}

	switch st.Status {
	case Offline:
		if !poll.Live {
			return next, none
		}
		started := poll.StartedAt
		if started.IsZero() {
			started = now
		}
		next = State{
			Status:          Live,
			Game:            poll.Game,
			StreamStartedAt: started,
			Segments:        []Segment{{Game: poll.Game, StartedAt: started}},
		}
		return next, Transition{Kind: WentLive, Game: poll.Game, StartedAt: started, Title: poll.Title, At: now}

	case Live:
		if !poll.Live {
			next.Status = PendingOffline
			next.OfflineSince = now
			next.GraceDeadline = now.Add(grace)
			return next, none
		}
		return changeGame(next, poll, now)

	case PendingOffline:
		if poll.Live {
			next.Status = Live
			next.OfflineSince = time.Time{}
			next.GraceDeadline = time.Time{}
			return changeGame(next, poll, now)
		}
		if now.Before(next.GraceDeadline) {
			return next, none
		}
		end := next.OfflineSince
		if end.IsZero() {
			end = now
		}
		segs := closeOpen(next.Segments, end)
		tr := Transition{
			Kind:      WentOffline,
			Game:      next.Game,
			StartedAt: next.StreamStartedAt,
			EndedAt:   end,
			Segments:  segs,
			At:        now,
		}
		return State{Status: Offline}, tr
	}

	// Unknown status: treat as a cold start.
	return Advance(State{Status: Offline}, poll, now, grace)
}

// changeGame handles a live observation of a live channel.
func changeGame(st State, poll PollResult, now time.Time) (State, Transition) {
	g := poll.Game
	if st.Game.Same(g) {
		// Pick up a name resolved later for the same id.
		if st.Game.Name == "" && g.Name != "" {
			st.Game = g
		}
		return st, Transition{Kind: NoChange, At: now}
	}
	old := st.Game
	st.Segments = append(closeOpen(st.Segments, now), Segment{Game: g, StartedAt: now})
	st.Game = g
	return st, Transition{Kind: GameChanged, Game: g, OldGame: old, StartedAt: st.StreamStartedAt, Title: poll.Title, At: now}
}

func closeOpen(segs []Segment, at time.Time) []Segment {
	out := append([]Segment(nil), segs...)
	if n := len(out); n > 0 && out[n-1].Open() {
		out[n-1].EndedAt = at
	}
	return out
}
