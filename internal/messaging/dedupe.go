package messaging

import (
	"sort"
	"strings"
)

// The backend may expose several thread records for the same human
// counterparty (new subject, migrated record, etc). Presenting all of them
// fragments the conversation, so the inbox collapses them by a derived
// counterparty key and shows one representative per group.

// counterpartyKey derives the grouping identity for a thread. Precedence:
// stable user id of the counterparty, their normalized display name, the
// thread subject, and finally the thread's own id (no collapsing possible).
// Keys are namespaced so a user id can never collide with a subject string.
func counterpartyKey(t Thread, self Identity) string {
	if cp, ok := t.Counterparty(self); ok {
		if cp.UserID != "" {
			return "u:" + cp.UserID
		}
		if name := normalizeName(cp.DisplayName); name != "" {
			return "n:" + name
		}
	}
	if subject := normalizeName(t.Subject); subject != "" {
		return "s:" + subject
	}
	return "t:" + t.ID
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// DedupeRank collapses threads that share a counterparty key and returns one
// representative per group, ranked by last activity descending. The
// representative is the group member with the latest activity; a missing
// timestamp loses to any present one. Threads without a timestamp sort after
// all timestamped threads, keeping their relative input order. Idempotent:
// running it on its own output changes nothing.
func DedupeRank(threads []Thread, self Identity) []Thread {
	groups := make(map[string]int) // key -> index into out
	out := make([]Thread, 0, len(threads))

	for _, t := range threads {
		if t.CounterpartyKey == "" {
			t.CounterpartyKey = counterpartyKey(t, self)
		}
		idx, seen := groups[t.CounterpartyKey]
		if !seen {
			groups[t.CounterpartyKey] = len(out)
			out = append(out, t)
			continue
		}
		if laterActivity(t, out[idx]) {
			out[idx] = t
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastActivityAt, out[j].LastActivityAt
		switch {
		case a.IsZero():
			return false
		case b.IsZero():
			return true
		default:
			return a.After(b)
		}
	})
	return out
}

// laterActivity reports whether candidate should replace current as the
// group representative.
func laterActivity(candidate, current Thread) bool {
	if candidate.LastActivityAt.IsZero() {
		return false
	}
	if current.LastActivityAt.IsZero() {
		return true
	}
	return candidate.LastActivityAt.After(current.LastActivityAt)
}
