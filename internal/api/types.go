package api

// Raw wire shapes returned by the portal backend. Field names vary across
// endpoints and backend versions (e.g. sentAt vs createdAt vs timestamp), so
// every alias is declared here and resolved in one place by the accessor
// methods. Nothing outside this package and the normalizer should ever touch
// these shapes.

// RawParticipant is a thread participant as the server sends it.
type RawParticipant struct {
	UserID         string `json:"userId,omitempty"`
	ID             string `json:"id,omitempty"`
	Role           string `json:"role,omitempty"` // PATIENT | DOCTOR
	DisplayName    string `json:"displayName,omitempty"`
	Name           string `json:"name,omitempty"`
	Specialization string `json:"specialization,omitempty"`
}

// Key returns the participant's stable user id, whichever field carries it.
func (p RawParticipant) Key() string {
	if p.UserID != "" {
		return p.UserID
	}
	return p.ID
}

// Label returns the participant's display name, whichever field carries it.
func (p RawParticipant) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

// RawMessage is a message record as the server sends it.
type RawMessage struct {
	ID        string `json:"id,omitempty"`
	MessageID string `json:"messageId,omitempty"`

	ThreadID       string `json:"threadId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`

	SenderID   string `json:"senderId,omitempty"`
	AuthorID   string `json:"authorId,omitempty"`
	SenderRole string `json:"senderRole,omitempty"`
	SenderName string `json:"senderName,omitempty"`

	Body    string `json:"body,omitempty"`
	Content string `json:"content,omitempty"`
	Text    string `json:"text,omitempty"`

	SentAt    string `json:"sentAt,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	EditedAt  string `json:"editedAt,omitempty"`
	DeletedAt string `json:"deletedAt,omitempty"`
	IsDeleted *bool  `json:"isDeleted,omitempty"`
	IsMine    *bool  `json:"isMine,omitempty"`

	// Delivery markers. Status mirrors sent|delivered|read when the backend
	// sends a compact form instead of timestamps.
	DeliveredAt string `json:"deliveredAt,omitempty"`
	ReadAt      string `json:"readAt,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Key returns the message's server id, whichever field carries it.
func (m RawMessage) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.MessageID
}

// Thread returns the owning thread id, whichever field carries it.
func (m RawMessage) Thread() string {
	if m.ThreadID != "" {
		return m.ThreadID
	}
	return m.ConversationID
}

// Sender returns the author id, whichever field carries it.
func (m RawMessage) Sender() string {
	if m.SenderID != "" {
		return m.SenderID
	}
	return m.AuthorID
}

// Text body, whichever field carries it.
func (m RawMessage) TextBody() string {
	switch {
	case m.Body != "":
		return m.Body
	case m.Content != "":
		return m.Content
	default:
		return m.Text
	}
}

// SentStamp returns the raw send timestamp, whichever field carries it.
func (m RawMessage) SentStamp() string {
	switch {
	case m.SentAt != "":
		return m.SentAt
	case m.CreatedAt != "":
		return m.CreatedAt
	default:
		return m.Timestamp
	}
}

// RawThread is a conversation record as the server sends it. Detail
// endpoints embed a page of messages; list endpoints usually leave Messages
// empty.
type RawThread struct {
	ID       string `json:"id,omitempty"`
	ThreadID string `json:"threadId,omitempty"`

	Subject string `json:"subject,omitempty"`
	Title   string `json:"title,omitempty"`

	Participants []RawParticipant `json:"participants,omitempty"`

	LastActivityAt string `json:"lastActivityAt,omitempty"`
	LastMessageAt  string `json:"lastMessageAt,omitempty"`
	UpdatedAt      string `json:"updatedAt,omitempty"`

	UnreadCount int          `json:"unreadCount,omitempty"`
	Messages    []RawMessage `json:"messages,omitempty"`

	NextCursor string `json:"nextCursor,omitempty"`
}

// Key returns the thread's server id, whichever field carries it.
func (t RawThread) Key() string {
	if t.ID != "" {
		return t.ID
	}
	return t.ThreadID
}

// SubjectLine returns the display subject, whichever field carries it.
func (t RawThread) SubjectLine() string {
	if t.Subject != "" {
		return t.Subject
	}
	return t.Title
}

// ActivityStamp returns the raw last-activity timestamp, whichever field
// carries it.
func (t RawThread) ActivityStamp() string {
	switch {
	case t.LastActivityAt != "":
		return t.LastActivityAt
	case t.LastMessageAt != "":
		return t.LastMessageAt
	default:
		return t.UpdatedAt
	}
}

// threadListResponse is the envelope of the thread list endpoint.
type threadListResponse struct {
	Threads    []RawThread `json:"threads"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

// messageListResponse is the envelope of the message list endpoint.
type messageListResponse struct {
	Messages   []RawMessage `json:"messages"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

// unreadResponse is the envelope of the unread-count endpoint.
type unreadResponse struct {
	Count int `json:"count"`
}
