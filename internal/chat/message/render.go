package message

import (
	"strings"
	"time"
	"unicode/utf8"
)

// DayGroup is a run of messages sharing one calendar day in loc.
type DayGroup struct {
	Day      time.Time
	Label    string
	Messages []Message
}

// GroupByDay splits an ordered message list into calendar-day groups. Messages
// with a zero timestamp join the group before them.
func GroupByDay(msgs []Message, loc *time.Location, now time.Time) []DayGroup {
	if loc == nil {
		loc = time.Local
	}
	var groups []DayGroup
	for _, m := range msgs {
		ts := m.CreatedAt
		if ts.IsZero() && len(groups) > 0 {
			g := &groups[len(groups)-1]
			g.Messages = append(g.Messages, m)
			continue
		}
		if ts.IsZero() {
			ts = now
		}
		day := startOfDay(ts.In(loc))
		if len(groups) == 0 || !groups[len(groups)-1].Day.Equal(day) {
			groups = append(groups, DayGroup{Day: day, Label: dayLabel(day, now.In(loc))})
		}
		g := &groups[len(groups)-1]
		g.Messages = append(g.Messages, m)
	}
	return groups
}

func startOfDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

func dayLabel(day, now time.Time) string {
	today := startOfDay(now)
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	case day.Year() == today.Year():
		return day.Format("Mon, Jan 2")
	default:
		return day.Format("Jan 2, 2006")
	}
}

const previewLen = 48

// Preview renders a single-line summary of m for roster rows.
func Preview(m Message) string {
	var s string
	switch m.Kind {
	case KindFile:
		name := ""
		if m.Attachment != nil {
			name = m.Attachment.FileName
		}
		if name == "" {
			name = "attachment"
		}
		s = "[file] " + name
	default:
		s = strings.Join(strings.Fields(m.Body), " ")
	}
	if utf8.RuneCountInString(s) <= previewLen {
		return s
	}
	r := []rune(s)
	return string(r[:previewLen-1]) + "…"
}
