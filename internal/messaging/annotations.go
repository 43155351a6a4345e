package messaging

import "strings"

// Annotations is the session-local overlay: starred messages and the active
// inbox search term. It never touches canonical data and is never sent to
// the server; it exists for the lifetime of the session only.
type Annotations struct {
	starred map[string]struct{}
	search  string
}

// NewAnnotations creates an empty overlay.
func NewAnnotations() *Annotations {
	return &Annotations{starred: make(map[string]struct{})}
}

// ToggleStar flips a message's starred state and returns the new state.
func (a *Annotations) ToggleStar(messageID string) bool {
	if _, ok := a.starred[messageID]; ok {
		delete(a.starred, messageID)
		return false
	}
	a.starred[messageID] = struct{}{}
	return true
}

// Starred reports whether a message is starred.
func (a *Annotations) Starred(messageID string) bool {
	_, ok := a.starred[messageID]
	return ok
}

// StarredCount returns how many messages are starred.
func (a *Annotations) StarredCount() int { return len(a.starred) }

// SetSearchTerm sets the active inbox search term.
func (a *Annotations) SetSearchTerm(term string) {
	a.search = strings.TrimSpace(term)
}

// SearchTerm returns the active inbox search term.
func (a *Annotations) SearchTerm() string { return a.search }

// MatchThread reports whether a thread matches the active search term by
// subject or participant name. An empty term matches everything.
func (a *Annotations) MatchThread(t Thread) bool {
	if a.search == "" {
		return true
	}
	needle := strings.ToLower(a.search)
	if strings.Contains(strings.ToLower(t.Subject), needle) {
		return true
	}
	for _, p := range t.Participants {
		if strings.Contains(strings.ToLower(p.DisplayName), needle) {
			return true
		}
	}
	return false
}
