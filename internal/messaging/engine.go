package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/osanchez/medchat/internal/api"
)

// API is the slice of the portal client the engine consumes. *api.Client
// satisfies it; tests substitute a fake.
type API interface {
	ListThreads(ctx context.Context, cursor string, limit int, query string) ([]api.RawThread, string, error)
	GetThread(ctx context.Context, id string, cursor string, limit int) (*api.RawThread, error)
	ListMessages(ctx context.Context, threadID string, cursor string, limit int) ([]api.RawMessage, string, error)
	PostMessage(ctx context.Context, threadID, body string) (*api.RawMessage, error)
	EditMessage(ctx context.Context, threadID, messageID, body string) (*api.RawMessage, error)
	DeleteMessage(ctx context.Context, threadID, messageID string) (*api.RawMessage, error)
	CreateThread(ctx context.Context, counterpartyID, subject, body string) (*api.RawThread, error)
	MarkRead(ctx context.Context, threadID string) error
	UnreadCount(ctx context.Context) (int, error)
}

// OutboxEntry is one journaled optimistic send.
type OutboxEntry struct {
	TempID   string
	ThreadID string
	Body     string
	QueuedAt time.Time
}

// Outbox journals optimistic sends so a drafted message survives a process
// restart. internal/store provides the sqlite implementation.
type Outbox interface {
	SaveOutbox(ctx context.Context, entry OutboxEntry) error
	DeleteOutbox(ctx context.Context, tempID string) error
	ListOutbox(ctx context.Context) ([]OutboxEntry, error)
}

// Options configures an Engine.
type Options struct {
	Outbox   Outbox           // nil disables journaling
	Logger   zerolog.Logger
	Now      func() time.Time // nil means time.Now
	Location *time.Location   // nil means time.Local
	PageSize int              // message/thread page size for fetches
}

// Engine owns the client-side conversation state: the normalized thread
// records, one reconciler per thread, the single active-thread pointer, and
// the session-local annotation overlay. Every accessor returns data
// recomputed synchronously after the last normalize/merge pass, so callers
// never see raw server shapes.
//
// One mutex serializes all state transitions; network calls happen outside
// the lock and every completion re-checks the active-thread pointer before
// applying results, so a response for a thread the user has left is
// discarded instead of merged into the wrong state.
type Engine struct {
	api      API
	self     Identity
	outbox   Outbox
	log      zerolog.Logger
	now      func() time.Time
	loc      *time.Location
	pageSize int

	mu          sync.Mutex
	byID        map[string]Thread // last normalized thread records
	threadOrder []string          // first-seen order, keeps ranking stable
	recs        map[string]*Reconciler
	cursors     map[string]string // per-thread cursor for older message pages
	annotations *Annotations
	active      string
	activeGen   uint64
	unread      int

	ranked   []Thread
	timeline []RenderItem

	onUpdate func()
}

// New creates an engine for the given session identity.
func New(client API, self Identity, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Engine{
		api:         client,
		self:        self,
		outbox:      opts.Outbox,
		log:         opts.Logger.With().Str("component", "engine").Logger(),
		now:         now,
		loc:         loc,
		pageSize:    pageSize,
		byID:        make(map[string]Thread),
		recs:        make(map[string]*Reconciler),
		cursors:     make(map[string]string),
		annotations: NewAnnotations(),
	}
}

// OnUpdate registers a callback invoked after every visible state change.
func (e *Engine) OnUpdate(fn func()) {
	e.mu.Lock()
	e.onUpdate = fn
	e.mu.Unlock()
}

// Inbox returns the ranked, deduplicated thread list, filtered by the
// active search term.
func (e *Engine) Inbox() []Thread {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Thread, 0, len(e.ranked))
	for _, t := range e.ranked {
		if e.annotations.MatchThread(t) {
			out = append(out, t)
		}
	}
	return out
}

// Timeline returns the render-ready sequence for the active thread.
func (e *Engine) Timeline() []RenderItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RenderItem, len(e.timeline))
	copy(out, e.timeline)
	return out
}

// Unread returns the last known server-authoritative unread count.
func (e *Engine) Unread() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unread
}

// ActiveThread returns the currently active thread id, empty when none.
func (e *Engine) ActiveThread() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// ToggleStar flips the session-local star on a message.
func (e *Engine) ToggleStar(messageID string) bool {
	e.mu.Lock()
	starred := e.annotations.ToggleStar(messageID)
	e.recomputeLocked()
	e.mu.Unlock()
	e.notify()
	return starred
}

// SetSearchTerm sets the session-local inbox filter.
func (e *Engine) SetSearchTerm(term string) {
	e.mu.Lock()
	e.annotations.SetSearchTerm(term)
	e.mu.Unlock()
	e.notify()
}

// ThreadStaleDrops exposes the reconciler's stale-overwrite counter for a
// thread. Observability hook; not part of the render surface.
func (e *Engine) ThreadStaleDrops(threadID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.recs[threadID]; ok {
		return rec.StaleDrops()
	}
	return 0
}

// RefreshThreads is the thread-list poll tick: fetch, normalize, dedupe,
// re-rank. Malformed records are dropped and logged, never fatal.
func (e *Engine) RefreshThreads(ctx context.Context) error {
	raws, _, err := e.api.ListThreads(ctx, "", e.pageSize, "")
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, raw := range raws {
		t, dropped, nerr := NormalizeThread(raw, e.self)
		if nerr != nil {
			e.log.Warn().Str("record", "thread").Msg("dropping malformed record")
			continue
		}
		if dropped > 0 {
			e.log.Warn().Int("count", dropped).Str("thread", t.ID).Msg("dropped malformed messages")
		}
		e.storeThreadLocked(*t)
	}
	e.recomputeLocked()
	e.mu.Unlock()
	e.notify()
	return nil
}

// RefreshActive is the active-thread poll tick: fetch the newest message
// page and merge it. A response arriving after the user switched threads is
// discarded.
func (e *Engine) RefreshActive(ctx context.Context) error {
	e.mu.Lock()
	tid := e.active
	gen := e.activeGen
	e.mu.Unlock()
	if tid == "" {
		return nil
	}
	return e.fetchThread(ctx, tid, gen)
}

// RefreshUnread is the unread-count poll tick.
func (e *Engine) RefreshUnread(ctx context.Context) error {
	n, err := e.api.UnreadCount(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	changed := e.unread != n
	e.unread = n
	e.mu.Unlock()
	if changed {
		e.notify()
	}
	return nil
}

// SetActiveThread switches the conversation in view: it triggers an
// immediate fetch outside the poll cadence, then a best-effort markRead
// whose completion refreshes the unread counter.
func (e *Engine) SetActiveThread(ctx context.Context, threadID string) error {
	e.mu.Lock()
	if e.active == threadID {
		gen := e.activeGen
		e.mu.Unlock()
		return e.fetchThread(ctx, threadID, gen)
	}
	e.active = threadID
	e.activeGen++
	gen := e.activeGen
	e.recomputeLocked()
	e.mu.Unlock()
	e.notify()

	if threadID == "" {
		return nil
	}
	if err := e.fetchThread(ctx, threadID, gen); err != nil {
		return err
	}

	e.mu.Lock()
	stillActive := e.active == threadID && e.activeGen == gen
	e.mu.Unlock()
	if !stillActive {
		return nil
	}

	// Best effort: a failed markRead only means the badge lags one poll.
	if err := e.api.MarkRead(ctx, threadID); err != nil {
		e.log.Debug().Err(err).Str("thread", threadID).Msg("mark read failed")
		return nil
	}
	if err := e.RefreshUnread(ctx); err != nil {
		e.log.Debug().Err(err).Msg("unread refresh failed")
	}
	return nil
}

// fetchThread fetches one page of a thread's detail and merges it, guarded
// by the activation generation captured when the fetch was launched.
func (e *Engine) fetchThread(ctx context.Context, threadID string, gen uint64) error {
	raw, err := e.api.GetThread(ctx, threadID, "", e.pageSize)
	if err != nil {
		return err
	}

	t, dropped, nerr := NormalizeThread(*raw, e.self)
	if nerr != nil {
		e.log.Warn().Str("thread", threadID).Msg("dropping malformed thread record")
		return nerr
	}
	if dropped > 0 {
		e.log.Warn().Int("count", dropped).Str("thread", threadID).Msg("dropped malformed messages")
	}

	e.mu.Lock()
	if e.active != threadID || e.activeGen != gen {
		e.mu.Unlock()
		e.log.Debug().Str("thread", threadID).Msg("discarding stale fetch")
		return nil
	}
	e.storeThreadLocked(*t)
	e.cursors[threadID] = raw.NextCursor
	changed := e.rec(threadID).MergeSnapshot(t.Messages)
	e.recomputeLocked()
	e.mu.Unlock()
	if changed {
		e.notify()
	}
	return nil
}

// LoadOlderMessages fetches the next older message page for the active
// thread, following the cursor left by the last detail fetch. Returns false
// when no further page exists. Stale completions are discarded like any
// other fetch.
func (e *Engine) LoadOlderMessages(ctx context.Context) (bool, error) {
	e.mu.Lock()
	tid := e.active
	gen := e.activeGen
	cursor := e.cursors[tid]
	e.mu.Unlock()
	if tid == "" {
		return false, ErrNoActiveThread
	}
	if cursor == "" {
		return false, nil
	}

	raws, next, err := e.api.ListMessages(ctx, tid, cursor, e.pageSize)
	if err != nil {
		return false, err
	}

	page := make([]Message, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		m, nerr := NormalizeMessage(raw, e.self)
		if nerr != nil {
			dropped++
			continue
		}
		if m.ThreadID == "" {
			m.ThreadID = tid
		}
		page = append(page, *m)
	}
	if dropped > 0 {
		e.log.Warn().Int("count", dropped).Str("thread", tid).Msg("dropped malformed messages")
	}

	e.mu.Lock()
	if e.active != tid || e.activeGen != gen {
		e.mu.Unlock()
		e.log.Debug().Str("thread", tid).Msg("discarding stale page fetch")
		return false, nil
	}
	e.cursors[tid] = next
	changed := e.rec(tid).MergeSnapshot(page)
	e.recomputeLocked()
	e.mu.Unlock()
	if changed {
		e.notify()
	}
	return next != "", nil
}

// Send stages an optimistic message in the active thread, journals it, and
// posts it. On failure the message stays visible in the failed state; the
// returned message carries the temp id used for retry/discard.
func (e *Engine) Send(ctx context.Context, body string) (Message, error) {
	if body == "" {
		return Message{}, ErrEmptyBody
	}

	e.mu.Lock()
	tid := e.active
	if tid == "" {
		e.mu.Unlock()
		return Message{}, ErrNoActiveThread
	}
	rec := e.rec(tid)
	staged := rec.StageSend(body, e.self, e.now())
	e.recomputeLocked()
	e.mu.Unlock()
	e.notify()

	if e.outbox != nil {
		entry := OutboxEntry{TempID: staged.ID, ThreadID: tid, Body: body, QueuedAt: staged.SentAt}
		if err := e.outbox.SaveOutbox(ctx, entry); err != nil {
			e.log.Warn().Err(err).Msg("outbox journal failed")
		}
	}

	return staged, e.postStaged(ctx, tid, staged)
}

// RetrySend re-posts a failed optimistic send.
func (e *Engine) RetrySend(ctx context.Context, tempID string) error {
	e.mu.Lock()
	tid, rec := e.findPendingLocked(tempID)
	if rec == nil {
		e.mu.Unlock()
		return ErrUnknownMessage
	}
	staged, ok := rec.RetrySend(tempID)
	if !ok {
		e.mu.Unlock()
		return ErrUnknownMessage
	}
	e.recomputeLocked()
	e.mu.Unlock()
	e.notify()

	return e.postStaged(ctx, tid, staged)
}

// DiscardSend drops a failed optimistic send and its outbox row.
func (e *Engine) DiscardSend(ctx context.Context, tempID string) error {
	e.mu.Lock()
	_, rec := e.findPendingLocked(tempID)
	if rec == nil || !rec.DiscardSend(tempID) {
		e.mu.Unlock()
		return ErrUnknownMessage
	}
	e.recomputeLocked()
	e.mu.Unlock()
	e.notify()

	if e.outbox != nil {
		if err := e.outbox.DeleteOutbox(ctx, tempID); err != nil {
			e.log.Warn().Err(err).Msg("outbox delete failed")
		}
	}
	return nil
}

// postStaged performs the POST for a staged send and folds the result back.
func (e *Engine) postStaged(ctx context.Context, threadID string, staged Message) error {
	raw, err := e.api.PostMessage(ctx, threadID, staged.Body)

	e.mu.Lock()
	rec := e.rec(threadID)
	if err != nil {
		rec.FailSend(staged.ID)
		e.recomputeLocked()
		e.mu.Unlock()
		e.notify()
		e.log.Warn().Err(err).Str("thread", threadID).Msg("send failed")
		return err
	}

	confirmed, nerr := NormalizeMessage(*raw, e.self)
	if nerr != nil {
		// Server accepted but returned an unusable record; leave the entry
		// in sending state so the next poll adopts the round-tripped copy.
		e.mu.Unlock()
		e.log.Warn().Str("thread", threadID).Msg("send confirmed with malformed record")
		return nil
	}
	if confirmed.ThreadID == "" {
		confirmed.ThreadID = threadID
	}
	rec.ConfirmSend(staged.ID, *confirmed)
	e.bumpActivityLocked(threadID, confirmed.EffectiveStamp())
	e.recomputeLocked()
	e.mu.Unlock()
	e.notify()

	if e.outbox != nil {
		if derr := e.outbox.DeleteOutbox(ctx, staged.ID); derr != nil {
			e.log.Warn().Err(derr).Msg("outbox delete failed")
		}
	}
	return nil
}

// Edit applies a new body locally and confirms it with the server. A
// transient failure leaves the local edit in place and retryable; a
// permanent one reverts it.
func (e *Engine) Edit(ctx context.Context, messageID, body string) error {
	if body == "" {
		return ErrEmptyBody
	}

	e.mu.Lock()
	tid := e.active
	if tid == "" {
		e.mu.Unlock()
		return ErrNoActiveThread
	}
	rec := e.rec(tid)
	if err := rec.StageEdit(messageID, body, e.now()); err != nil {
		e.mu.Unlock()
		return err
	}
	e.recomputeLocked()
	e.mu.Unlock()
	e.notify()

	raw, err := e.api.EditMessage(ctx, tid, messageID, body)

	e.mu.Lock()
	defer func() {
		e.recomputeLocked()
		e.mu.Unlock()
		e.notify()
	}()
	if err != nil {
		if IsPermanent(err) {
			rec.DiscardEdit(messageID)
		}
		e.log.Warn().Err(err).Str("message", messageID).Msg("edit failed")
		return err
	}
	confirmed, nerr := NormalizeMessage(*raw, e.self)
	if nerr != nil {
		e.log.Warn().Str("message", messageID).Msg("edit confirmed with malformed record")
		return nil
	}
	rec.ConfirmEdit(*confirmed)
	return nil
}

// Delete soft-deletes a message: marked and scrubbed locally at once,
// confirmed by the server, never removed from the sequence.
func (e *Engine) Delete(ctx context.Context, messageID string) error {
	e.mu.Lock()
	tid := e.active
	if tid == "" {
		e.mu.Unlock()
		return ErrNoActiveThread
	}
	rec := e.rec(tid)
	if err := rec.StageDelete(messageID, e.now()); err != nil {
		e.mu.Unlock()
		return err
	}
	e.recomputeLocked()
	e.mu.Unlock()
	e.notify()

	raw, err := e.api.DeleteMessage(ctx, tid, messageID)

	e.mu.Lock()
	defer func() {
		e.recomputeLocked()
		e.mu.Unlock()
		e.notify()
	}()
	if err != nil {
		if IsPermanent(err) {
			rec.DiscardDelete(messageID)
		}
		e.log.Warn().Err(err).Str("message", messageID).Msg("delete failed")
		return err
	}
	confirmed, nerr := NormalizeMessage(*raw, e.self)
	if nerr != nil {
		e.log.Warn().Str("message", messageID).Msg("delete confirmed with malformed record")
		return nil
	}
	rec.ConfirmDelete(*confirmed)
	return nil
}

// CreateThread starts a new conversation and makes it active.
func (e *Engine) CreateThread(ctx context.Context, counterpartyID, subject, body string) (string, error) {
	raw, err := e.api.CreateThread(ctx, counterpartyID, subject, body)
	if err != nil {
		return "", err
	}
	t, _, nerr := NormalizeThread(*raw, e.self)
	if nerr != nil {
		return "", nerr
	}

	e.mu.Lock()
	e.storeThreadLocked(*t)
	if len(t.Messages) > 0 {
		e.rec(t.ID).MergeSnapshot(t.Messages)
	}
	e.active = t.ID
	e.activeGen++
	e.recomputeLocked()
	e.mu.Unlock()
	e.notify()
	return t.ID, nil
}

// RestoreOutbox rehydrates journaled sends from a previous session as
// failed (retryable) entries.
func (e *Engine) RestoreOutbox(ctx context.Context) error {
	if e.outbox == nil {
		return nil
	}
	entries, err := e.outbox.ListOutbox(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	e.mu.Lock()
	for _, entry := range entries {
		e.rec(entry.ThreadID).RestoreSend(entry.TempID, entry.Body, e.self, entry.QueuedAt)
	}
	e.recomputeLocked()
	e.mu.Unlock()
	e.notify()
	e.log.Info().Int("count", len(entries)).Msg("restored unsent messages from outbox")
	return nil
}

// rec returns (creating if needed) the reconciler for a thread. Callers
// hold the lock.
func (e *Engine) rec(threadID string) *Reconciler {
	r, ok := e.recs[threadID]
	if !ok {
		r = NewReconciler(threadID)
		e.recs[threadID] = r
	}
	return r
}

// storeThreadLocked upserts a normalized thread record, tracking first-seen
// order so equal-activity threads rank stably.
func (e *Engine) storeThreadLocked(t Thread) {
	if _, seen := e.byID[t.ID]; !seen {
		e.threadOrder = append(e.threadOrder, t.ID)
	}
	e.byID[t.ID] = t
}

// bumpActivityLocked moves a thread's last activity forward after a local
// send, so ranking reflects it before the next poll confirms.
func (e *Engine) bumpActivityLocked(threadID string, stamp time.Time) {
	t, ok := e.byID[threadID]
	if !ok {
		return
	}
	if stamp.After(t.LastActivityAt) {
		t.LastActivityAt = stamp
		e.byID[threadID] = t
	}
}

// findPendingLocked locates the reconciler holding a pending send.
func (e *Engine) findPendingLocked(tempID string) (string, *Reconciler) {
	for tid, rec := range e.recs {
		for _, p := range rec.PendingSends() {
			if p.ID == tempID {
				return tid, rec
			}
		}
	}
	return "", nil
}

// recomputeLocked rebuilds the exposed surfaces (ranked inbox, active
// timeline) from current state. Runs synchronously after every merge so UI
// code never sees a half-applied state.
func (e *Engine) recomputeLocked() {
	list := make([]Thread, 0, len(e.threadOrder))
	for _, id := range e.threadOrder {
		t := e.byID[id]
		if rec, ok := e.recs[id]; ok {
			if last := rec.LastActivity(); last.After(t.LastActivityAt) {
				t.LastActivityAt = last
			}
		}
		list = append(list, t)
	}
	e.ranked = DedupeRank(list, e.self)

	e.timeline = nil
	if e.active != "" {
		if rec, ok := e.recs[e.active]; ok {
			items := BuildTimeline(rec.Messages(), e.now(), e.loc)
			for i := range items {
				if items[i].Type == RenderMessage {
					items[i].Starred = e.annotations.Starred(items[i].Message.ID)
				}
			}
			e.timeline = items
		}
	}
}

func (e *Engine) notify() {
	e.mu.Lock()
	fn := e.onUpdate
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}
