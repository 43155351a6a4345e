// Package messaging is the conversation synchronization engine: it keeps a
// local view of threads and messages correct, ordered, and responsive while
// the portal backend is only reachable through polled request/response
// endpoints. Raw server shapes come in through the normalizer, optimistic
// local actions and poll snapshots meet in the reconciler, and the timeline
// builder produces the render-ready sequence the UI consumes.
package messaging

import (
	"sort"
	"time"
)

// Role of a portal user within a conversation.
type Role string

const (
	RolePatient Role = "PATIENT"
	RoleDoctor  Role = "DOCTOR"
)

// Identity is the session's own user, passed explicitly into normalization
// so "is this message mine" is a pure function of record plus identity.
type Identity struct {
	UserID string
	Role   Role
}

// Participant is one side of a conversation.
type Participant struct {
	UserID         string
	Role           Role
	DisplayName    string
	Specialization string
}

// DeliveryState is the derived lifecycle of a message from the session
// user's point of view.
type DeliveryState string

const (
	// DeliverySending marks a locally optimistic, unconfirmed message.
	DeliverySending DeliveryState = "sending"
	// DeliveryFailed marks an optimistic send whose POST failed; it stays
	// visible and retryable, never silently dropped.
	DeliveryFailed    DeliveryState = "failed"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

// Message is the canonical internal message shape.
type Message struct {
	ID       string // server id, or temp id while sending
	ThreadID string
	SenderID string
	Sender   string // display name when the server provides one
	Body     string // always empty when Deleted
	SentAt   time.Time

	EditedAt  time.Time // zero when never edited
	DeletedAt time.Time // zero when not deleted
	Deleted   bool

	Mine     bool
	Delivery DeliveryState
}

// EffectiveStamp is the freshness of this record: the later of EditedAt and
// DeletedAt, falling back to SentAt. Poll merges keep whichever version of a
// message is fresher by this stamp.
func (m Message) EffectiveStamp() time.Time {
	stamp := m.SentAt
	if m.EditedAt.After(stamp) {
		stamp = m.EditedAt
	}
	if m.DeletedAt.After(stamp) {
		stamp = m.DeletedAt
	}
	return stamp
}

// Thread is the canonical internal conversation shape.
type Thread struct {
	ID              string
	CounterpartyKey string
	Subject         string
	Participants    []Participant
	LastActivityAt  time.Time // zero when the server sent none
	UnreadCount     int
	Messages        []Message // populated by detail normalization only
}

// Counterparty returns the non-self participant, preferring the clinician
// side when both are present.
func (t Thread) Counterparty(self Identity) (Participant, bool) {
	var fallback Participant
	found := false
	for _, p := range t.Participants {
		if p.UserID != "" && p.UserID == self.UserID {
			continue
		}
		if p.Role == RoleDoctor {
			return p, true
		}
		if !found {
			fallback = p
			found = true
		}
	}
	return fallback, found
}

// RenderItemType discriminates timeline entries.
type RenderItemType string

const (
	RenderSeparator RenderItemType = "separator"
	RenderMessage   RenderItemType = "message"
)

// RenderItem is one entry of the render-ready timeline: either a date
// separator or a message with its visual-grouping flags.
type RenderItem struct {
	Type  RenderItemType
	Label string // separator text

	Message      *Message
	FirstInGroup bool
	LastInGroup  bool
	Starred      bool // session-local annotation overlay
}

// sortMessages orders messages by SentAt ascending, ties broken by id so the
// order is deterministic.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].SentAt.Equal(msgs[j].SentAt) {
			return msgs[i].SentAt.Before(msgs[j].SentAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
