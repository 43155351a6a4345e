package messaging

import (
	"fmt"
	"strings"
	"time"

	"github.com/osanchez/medchat/internal/api"
)

// timeLayouts are the wire formats the backend has been seen emitting.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseStamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// NormalizeMessage converts a raw server message into the canonical shape.
// Records with no usable id fail with ErrMalformedRecord and must be dropped
// by the caller (logged, non-fatal).
func NormalizeMessage(raw api.RawMessage, self Identity) (*Message, error) {
	id := raw.Key()
	if id == "" {
		return nil, fmt.Errorf("%w: message without id", ErrMalformedRecord)
	}

	deleted := raw.IsDeleted != nil && *raw.IsDeleted
	deletedAt := parseStamp(raw.DeletedAt)
	if !deletedAt.IsZero() {
		deleted = true
	}

	m := &Message{
		ID:        id,
		ThreadID:  raw.Thread(),
		SenderID:  raw.Sender(),
		Sender:    raw.SenderName,
		SentAt:    parseStamp(raw.SentStamp()),
		EditedAt:  parseStamp(raw.EditedAt),
		DeletedAt: deletedAt,
		Deleted:   deleted,
		Mine:      resolveMine(raw, self),
		Delivery:  resolveDelivery(raw),
	}
	// A deleted message's body must never render, even if the server still
	// includes it in the payload.
	if !deleted {
		m.Body = raw.TextBody()
	}
	return m, nil
}

// resolveMine decides whether the session user authored the message:
// explicit server flag, then sender-id match, then role fallback.
func resolveMine(raw api.RawMessage, self Identity) bool {
	if raw.IsMine != nil {
		return *raw.IsMine
	}
	if sender := raw.Sender(); sender != "" && self.UserID != "" {
		return sender == self.UserID
	}
	if raw.SenderRole != "" && self.Role != "" {
		return Role(strings.ToUpper(raw.SenderRole)) == self.Role
	}
	return false
}

// resolveDelivery derives the delivery state of a confirmed message. The
// sending and failed states exist only for local optimistic entries and are
// never produced here.
func resolveDelivery(raw api.RawMessage) DeliveryState {
	if raw.ReadAt != "" || strings.EqualFold(raw.Status, string(DeliveryRead)) {
		return DeliveryRead
	}
	if raw.DeliveredAt != "" || strings.EqualFold(raw.Status, string(DeliveryDelivered)) {
		return DeliveryDelivered
	}
	return DeliverySent
}

// NormalizeThread converts a raw server thread into the canonical shape,
// normalizing any embedded messages and dropping the malformed ones. The
// number of dropped messages is returned so callers can log it.
func NormalizeThread(raw api.RawThread, self Identity) (*Thread, int, error) {
	id := raw.Key()
	if id == "" {
		return nil, 0, fmt.Errorf("%w: thread without id", ErrMalformedRecord)
	}

	t := &Thread{
		ID:             id,
		Subject:        raw.SubjectLine(),
		LastActivityAt: parseStamp(raw.ActivityStamp()),
		UnreadCount:    raw.UnreadCount,
	}
	if t.UnreadCount < 0 {
		t.UnreadCount = 0
	}

	for _, rp := range raw.Participants {
		p := Participant{
			UserID:         rp.Key(),
			Role:           Role(strings.ToUpper(rp.Role)),
			DisplayName:    rp.Label(),
			Specialization: rp.Specialization,
		}
		if p.UserID == "" && p.DisplayName == "" {
			continue
		}
		t.Participants = append(t.Participants, p)
	}

	dropped := 0
	for _, rm := range raw.Messages {
		m, err := NormalizeMessage(rm, self)
		if err != nil {
			dropped++
			continue
		}
		if m.ThreadID == "" {
			m.ThreadID = id
		}
		t.Messages = append(t.Messages, *m)
	}
	sortMessages(t.Messages)

	t.CounterpartyKey = counterpartyKey(*t, self)
	return t, dropped, nil
}
