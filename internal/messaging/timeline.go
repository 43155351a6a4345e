package messaging

import "time"

// BuildTimeline turns an ordered message list into the render-ready
// sequence: date separators at calendar-day boundaries (in loc's local
// time), and per-message first/last-in-group flags computed from sender and
// day continuity. Deleted messages occupy their slot like any other message;
// grouping never collapses around them. Pure and deterministic; now only
// anchors the Today/Yesterday labels.
func BuildTimeline(msgs []Message, now time.Time, loc *time.Location) []RenderItem {
	if loc == nil {
		loc = time.Local
	}
	items := make([]RenderItem, 0, len(msgs)*2)

	for i := range msgs {
		m := msgs[i]
		day := m.SentAt.In(loc)

		newDay := i == 0 || !sameDay(day, msgs[i-1].SentAt.In(loc))
		if newDay {
			items = append(items, RenderItem{
				Type:  RenderSeparator,
				Label: dayLabel(day, now.In(loc)),
			})
		}

		first := newDay || msgs[i-1].SenderID != m.SenderID
		last := i == len(msgs)-1 ||
			msgs[i+1].SenderID != m.SenderID ||
			!sameDay(day, msgs[i+1].SentAt.In(loc))

		items = append(items, RenderItem{
			Type:         RenderMessage,
			Message:      &msgs[i],
			FirstInGroup: first,
			LastInGroup:  last,
		})
	}
	return items
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func dayLabel(day, today time.Time) string {
	if sameDay(day, today) {
		return "Today"
	}
	if sameDay(day, today.AddDate(0, 0, -1)) {
		return "Yesterday"
	}
	return day.Format("Monday, January 2, 2006")
}
