package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"
)

// maxTelegramRunes is the Bot API limit for one text message.
const maxTelegramRunes = 4096

// htm is text already escaped for Telegram's HTML parse mode.
type htm string

func esc(s string) htm  { return htm(html.EscapeString(s)) }
func bold(s string) htm { return "<b>" + esc(s) + "</b>" }
func ital(s string) htm { return "<i>" + esc(s) + "</i>" }

func link(text, url string) htm {
	return htm(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

func joinHTML(sep string, parts ...htm) htm {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) != "" {
			ss = append(ss, string(p))
		}
	}
	return htm(strings.Join(ss, sep))
}

// truncRunes cuts s to at most n runes, marking the cut with an ellipsis.
func truncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}

// telegramHTML renders ev for a chat. The title is truncated before
// escaping so entity boundaries stay intact.
func telegramHTML(ev Event) string {
	game := ev.GameName
	if game == "" {
		game = ev.GameID
	}
	who := link(ev.ChannelID, "https://twitch.tv/"+ev.ChannelID)

	var head htm
	switch ev.Type {
	case EventLive:
		head = who + " is live: " + bold(game)
	case EventUpdate:
		old := ev.OldGameName
		if old == "" {
			old = ev.OldGameID
		}
		head = who + " switched from " + esc(old) + " to " + bold(game)
	case EventVOD:
		dur := time.Duration(0)
		if ev.EndedAt != nil {
			dur = ev.EndedAt.Sub(ev.StartedAt).Truncate(time.Minute)
		}
		head = who + " went offline after " + bold(dur.String())
		lines := []htm{head}
		for i, seg := range ev.Segments {
			name := seg.Game.Name
			if name == "" {
				name = seg.Game.ID
			}
			lines = append(lines, esc(fmt.Sprintf("%d. %s", i+1, name)))
		}
		return string(joinHTML("\n", lines...))
	default:
		head = who
	}

	out := joinHTML("\n", head, ital(truncRunes(ev.Title, 256)))
	return string(out)
}
