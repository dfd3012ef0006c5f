package chatsession

import (
	"sort"
	"sync"
)

// Transcript is the ordered, deduplicated view of one conversation. Entries
// are ordered by (timestamp, id); older entries may be inserted when history
// is backfilled, but entries are never removed or mutated.
type Transcript struct {
	mu      sync.RWMutex
	entries []TranscriptEntry
	seen    map[string]struct{}
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{seen: make(map[string]struct{})}
}

func entryLess(a, b TranscriptEntry) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// Insert places the entry at its sorted position. Re-inserting an already
// present identifier is a no-op. Reports whether the entry was added.
func (t *Transcript) Insert(e TranscriptEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.seen[e.ID]; dup {
		return false
	}
	t.seen[e.ID] = struct{}{}

	i := sort.Search(len(t.entries), func(i int) bool {
		return entryLess(e, t.entries[i])
	})
	t.entries = append(t.entries, TranscriptEntry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
	return true
}

// Entries returns a copy of the transcript in order.
func (t *Transcript) Entries() []TranscriptEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]TranscriptEntry(nil), t.entries...)
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Last returns the newest entry, if any.
func (t *Transcript) Last() (TranscriptEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.entries) == 0 {
		return TranscriptEntry{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// Reconciler merges the two delivery origins, realtime push and paginated
// pull, into one transcript, and forwards every frame to the dispatcher.
type Reconciler struct {
	transcript *Transcript
	dispatcher *Dispatcher
}

// NewReconciler wires a reconciler to its transcript and dispatcher.
func NewReconciler(t *Transcript, d *Dispatcher) *Reconciler {
	return &Reconciler{transcript: t, dispatcher: d}
}

// IngestRealtime records a message frame in the transcript and dispatches the
// frame to observers. Non-message frames (typing indicators, participant
// events) bypass the transcript.
func (r *Reconciler) IngestRealtime(f Frame) {
	if Classify(f.ContentType) == ClassMessage {
		r.transcript.Insert(f.Entry(OriginRealtime))
	}
	r.dispatcher.Dispatch(f)
}

// IngestPage merges a history page into the transcript. Used for the initial
// backfill and for gap-filling after a reconnect; overlap with realtime
// delivery is expected and deduplicated. Event-typed items in the page are
// skipped the same way IngestRealtime skips them.
func (r *Reconciler) IngestPage(entries []TranscriptEntry) {
	for _, e := range entries {
		if Classify(e.ContentType) != ClassMessage {
			continue
		}
		r.transcript.Insert(e)
	}
}
