package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Reconciler merges the three concurrent sources of truth for one thread's
// message set: the last confirmed server snapshot, fresh poll results, and
// locally pending optimistic actions (send/edit/delete). It never produces
// duplicate ids and never removes a message that has existed locally.
//
// The reconciler is not internally locked; the engine serializes all access,
// mirroring the cooperative single-threaded model of the portal client. All
// methods are synchronous and non-suspending.
type Reconciler struct {
	threadID string

	confirmed map[string]Message // by server id; authoritative base
	pending   []Message          // optimistic sends, temp ids, sending|failed

	pendingEdits   map[string]pendingEdit
	pendingDeletes map[string]time.Time

	// resolved maps a temp id to the server id adopted when a poll snapshot
	// round-tripped a send before its POST response arrived. The eventual
	// POST confirmation for the temp id becomes a no-op.
	resolved map[string]string

	staleDrops uint64
}

type pendingEdit struct {
	body string
	at   time.Time
}

// NewReconciler creates the per-thread reconciliation state.
func NewReconciler(threadID string) *Reconciler {
	return &Reconciler{
		threadID:       threadID,
		confirmed:      make(map[string]Message),
		pendingEdits:   make(map[string]pendingEdit),
		pendingDeletes: make(map[string]time.Time),
		resolved:       make(map[string]string),
	}
}

// Messages returns the visible, merged, ordered message sequence: confirmed
// records with pending edits/deletes overlaid, plus optimistic sends.
func (r *Reconciler) Messages() []Message {
	out := make([]Message, 0, len(r.confirmed)+len(r.pending))
	for _, m := range r.confirmed {
		if pe, ok := r.pendingEdits[m.ID]; ok && m.EditedAt.Before(pe.at) {
			m.Body = pe.body
			m.EditedAt = pe.at
		}
		if at, ok := r.pendingDeletes[m.ID]; ok {
			m.Deleted = true
			m.Body = ""
			if m.DeletedAt.Before(at) {
				m.DeletedAt = at
			}
		}
		out = append(out, m)
	}
	out = append(out, r.pending...)
	sortMessages(out)
	return out
}

// LastActivity returns the freshest stamp across the visible sequence, used
// to rank the thread optimistically before the next poll confirms it.
func (r *Reconciler) LastActivity() time.Time {
	var last time.Time
	for _, m := range r.Messages() {
		if s := m.EffectiveStamp(); s.After(last) {
			last = s
		}
	}
	return last
}

// StaleDrops returns how many times a merge rejected snapshot data in favor
// of a fresher local or confirmed mutation.
func (r *Reconciler) StaleDrops() uint64 { return r.staleDrops }

// StageSend appends an optimistic message with a generated temp id and
// returns it. The message is visible immediately with the sending state.
func (r *Reconciler) StageSend(body string, self Identity, now time.Time) Message {
	m := Message{
		ID:       "tmp-" + uuid.NewString(),
		ThreadID: r.threadID,
		SenderID: self.UserID,
		Body:     body,
		SentAt:   now,
		Mine:     true,
		Delivery: DeliverySending,
	}
	r.pending = append(r.pending, m)
	return m
}

// RestoreSend re-stages a journaled outbox entry, already in the failed
// state, preserving its original temp id and timestamp.
func (r *Reconciler) RestoreSend(tempID, body string, self Identity, queuedAt time.Time) Message {
	m := Message{
		ID:       tempID,
		ThreadID: r.threadID,
		SenderID: self.UserID,
		Body:     body,
		SentAt:   queuedAt,
		Mine:     true,
		Delivery: DeliveryFailed,
	}
	r.pending = append(r.pending, m)
	return m
}

// ConfirmSend replaces the optimistic entry with the server-confirmed
// message. If a poll snapshot already adopted the send, this is a no-op for
// the pending set and only freshens the confirmed record. Never duplicates.
func (r *Reconciler) ConfirmSend(tempID string, confirmed Message) {
	if sid, ok := r.resolved[tempID]; ok {
		delete(r.resolved, tempID)
		if confirmed.ID == "" {
			confirmed.ID = sid
		}
		r.upsert(confirmed)
		return
	}
	r.removePending(tempID)
	r.upsert(confirmed)
}

// FailSend marks an optimistic send as failed. It stays visible until
// retried or discarded. If a poll snapshot already adopted the send, the
// POST failure is moot and is ignored.
func (r *Reconciler) FailSend(tempID string) bool {
	if _, ok := r.resolved[tempID]; ok {
		delete(r.resolved, tempID)
		return false
	}
	for i := range r.pending {
		if r.pending[i].ID == tempID {
			r.pending[i].Delivery = DeliveryFailed
			return true
		}
	}
	return false
}

// RetrySend flips a failed send back into the sending state and returns a
// copy for re-posting.
func (r *Reconciler) RetrySend(tempID string) (Message, bool) {
	for i := range r.pending {
		if r.pending[i].ID == tempID && r.pending[i].Delivery == DeliveryFailed {
			r.pending[i].Delivery = DeliverySending
			return r.pending[i], true
		}
	}
	return Message{}, false
}

// DiscardSend drops a pending send entirely. The only path that removes a
// message from the visible sequence, and it only ever removes an
// unconfirmed local one.
func (r *Reconciler) DiscardSend(tempID string) bool {
	return r.removePending(tempID)
}

// PendingSends returns the optimistic entries, e.g. for outbox journaling.
func (r *Reconciler) PendingSends() []Message {
	out := make([]Message, len(r.pending))
	copy(out, r.pending)
	return out
}

// StageEdit applies a new body locally ahead of server confirmation.
func (r *Reconciler) StageEdit(id, body string, now time.Time) error {
	if _, ok := r.confirmed[id]; !ok {
		return ErrUnknownMessage
	}
	r.pendingEdits[id] = pendingEdit{body: body, at: now}
	return nil
}

// ConfirmEdit folds in the server's returned message, which carries the
// authoritative editedAt, and clears the local overlay.
func (r *Reconciler) ConfirmEdit(confirmed Message) {
	delete(r.pendingEdits, confirmed.ID)
	r.upsert(confirmed)
}

// DiscardEdit abandons a pending local edit, e.g. after a permanent
// failure, reverting to the confirmed body.
func (r *Reconciler) DiscardEdit(id string) {
	delete(r.pendingEdits, id)
}

// StageDelete marks a message deleted locally ahead of confirmation.
func (r *Reconciler) StageDelete(id string, now time.Time) error {
	if _, ok := r.confirmed[id]; !ok {
		return ErrUnknownMessage
	}
	r.pendingDeletes[id] = now
	return nil
}

// ConfirmDelete folds in the server's soft-deleted record and clears the
// local overlay.
func (r *Reconciler) ConfirmDelete(confirmed Message) {
	delete(r.pendingDeletes, confirmed.ID)
	r.upsert(confirmed)
}

// DiscardDelete abandons a pending local deletion.
func (r *Reconciler) DiscardDelete(id string) {
	delete(r.pendingDeletes, id)
}

// MergeSnapshot folds a fresh poll snapshot into the confirmed set. Rules:
//   - ids present only locally are kept in place (messages never vanish);
//   - ids present in both keep whichever version has the later effective
//     stamp, so a snapshot taken before a confirmed mutation landed cannot
//     overwrite it, while other users' edits and deletes still flow in;
//   - a snapshot message authored by the session user that matches a
//     still-sending optimistic entry is adopted in its place (the poll beat
//     the POST response), never duplicated;
//   - snapshot data older than a pending local edit/delete is rejected for
//     that field and counted in StaleDrops.
//
// Returns true when the visible state changed; re-merging an unchanged
// snapshot returns false and alters nothing.
func (r *Reconciler) MergeSnapshot(snapshot []Message) bool {
	changed := false
	inSnapshot := make(map[string]bool, len(snapshot))

	for _, s := range snapshot {
		if s.ID == "" {
			continue
		}
		inSnapshot[s.ID] = true

		cur, known := r.confirmed[s.ID]
		if !known {
			if tempID, ok := r.matchPendingSend(s); ok {
				r.removePending(tempID)
				r.resolved[tempID] = s.ID
				r.confirmed[s.ID] = s
				changed = true
				continue
			}
			r.confirmed[s.ID] = s
			changed = true
			continue
		}

		switch {
		case s.EffectiveStamp().After(cur.EffectiveStamp()):
			r.confirmed[s.ID] = s
			changed = true
		case s.EffectiveStamp().Before(cur.EffectiveStamp()):
			r.staleDrops++
		}
	}

	// Resolve in-flight overlays the snapshot may have caught up with.
	for id, pe := range r.pendingEdits {
		cur, ok := r.confirmed[id]
		if !ok {
			continue
		}
		if !cur.EditedAt.Before(pe.at) {
			delete(r.pendingEdits, id)
			changed = true
		} else if inSnapshot[id] {
			r.staleDrops++
		}
	}
	for id, at := range r.pendingDeletes {
		cur, ok := r.confirmed[id]
		if !ok {
			continue
		}
		if cur.Deleted {
			delete(r.pendingDeletes, id)
			changed = true
		} else if inSnapshot[id] && cur.EffectiveStamp().Before(at) {
			r.staleDrops++
		}
	}

	return changed
}

// matchPendingSend finds a still-sending optimistic entry that a snapshot
// message confirms: same author side, same body.
func (r *Reconciler) matchPendingSend(s Message) (string, bool) {
	if !s.Mine || s.Body == "" {
		return "", false
	}
	for i := range r.pending {
		if r.pending[i].Delivery == DeliverySending && r.pending[i].Body == s.Body {
			return r.pending[i].ID, true
		}
	}
	return "", false
}

func (r *Reconciler) removePending(tempID string) bool {
	for i := range r.pending {
		if r.pending[i].ID == tempID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return true
		}
	}
	return false
}

// upsert installs a confirmed record, keeping whichever version is fresher.
func (r *Reconciler) upsert(m Message) {
	if m.ID == "" {
		return
	}
	if cur, ok := r.confirmed[m.ID]; ok && cur.EffectiveStamp().After(m.EffectiveStamp()) {
		r.staleDrops++
		return
	}
	r.confirmed[m.ID] = m
}
