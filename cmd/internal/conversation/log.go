package conversation

import "time"

// reconcileTolerance bounds the timestamp drift allowed when matching an
// optimistic entry to a confirmation that lost its correlation id (e.g. a
// message echoed from another of the user's own devices).
const reconcileTolerance = 5 * time.Second

// Log is the ordered, deduplicated view of one conversation. It merges three
// sources: paginated REST history, realtime-delivered events, and local
// optimistic sends.
//
// Entries are kept ascending by effective timestamp, ties in arrival order.
// Log is not safe for concurrent use; the Controller serializes access.
type Log struct {
	msgs    []Message
	page    int
	hasMore bool
}

// NewLog constructs an empty log with no history loaded yet.
func NewLog() *Log {
	return &Log{}
}

// Messages returns a copy of the entries, ascending by effective timestamp.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len reports the number of entries.
func (l *Log) Len() int { return len(l.msgs) }

// Page reports the highest history page applied so far (0 before any load).
func (l *Log) Page() int { return l.page }

// Loaded reports whether page 1 has been applied.
func (l *Log) Loaded() bool { return l.page >= 1 }

// HasMore reports whether older history pages remain.
func (l *Log) HasMore() bool { return l.hasMore }

// Clear empties the log and resets pagination.
func (l *Log) Clear() {
	l.msgs = nil
	l.page = 0
	l.hasMore = false
}

// ApplyHistory merges one fetched page. Page 1 replaces the log but preserves
// entries that arrived over the realtime channel or are still pending, so a
// reload never loses a message the history snapshot predates. Pages >= 2
// prepend older entries. A page shorter than pageSize signals exhaustion.
func (l *Log) ApplyHistory(page int, history []Message, pageSize int) {
	if page <= 1 {
		prev := l.msgs
		l.msgs = make([]Message, 0, len(history)+len(prev))
		for _, m := range history {
			l.insertSorted(m)
		}
		for _, m := range prev {
			l.mergeExisting(m)
		}
		l.page = 1
	} else {
		for _, m := range history {
			if m.ID != "" && l.indexByID(m.ID) >= 0 {
				continue
			}
			l.insertSorted(m)
		}
		l.page = page
	}
	l.hasMore = pageSize > 0 && len(history) >= pageSize
}

// AppendOptimistic inserts a locally originated message. The entry carries a
// placeholder id and an empty seen set, and is visible immediately.
func (l *Log) AppendOptimistic(m Message) {
	m.Pending = true
	m.SeenBy = nil
	l.insertSorted(m)
}

// ReconcileIncoming merges a server-confirmed message. An optimistic entry
// identified as the same logical message is replaced in place, keeping its
// position so the visible order does not jump. When no match is found the
// message is appended rather than dropped: visible duplication is preferred
// over silent loss. Reports whether an optimistic entry was collapsed.
func (l *Log) ReconcileIncoming(m Message) bool {
	m.Pending = false

	// Exact: the server echoed the client-generated correlation token.
	if m.CorrelationID != "" {
		for i := range l.msgs {
			if l.msgs[i].Pending && l.msgs[i].CorrelationID == m.CorrelationID {
				l.msgs[i] = m
				return true
			}
		}
	}

	// Duplicate confirmed delivery (e.g. history overlap): merge seen sets.
	if m.ID != "" {
		if i := l.indexByID(m.ID); i >= 0 && !l.msgs[i].Pending {
			for _, id := range m.SeenBy {
				l.msgs[i].MarkSeen(id)
			}
			return false
		}
	}

	// Heuristic fallback for confirmations without a usable correlation id.
	for i := range l.msgs {
		e := l.msgs[i]
		if e.Pending && e.SenderID == m.SenderID && e.ReceiverID == m.ReceiverID &&
			e.Text == m.Text && withinTolerance(e.CreatedAt, m.CreatedAt) {
			l.msgs[i] = m
			return true
		}
	}

	l.insertSorted(m)
	return false
}

// UpdateSeenBy adds viewerID to the seen set of messageID. Unknown message
// ids are a no-op. Reports whether the message was found.
func (l *Log) UpdateSeenBy(messageID, viewerID string) bool {
	i := l.indexByID(messageID)
	if i < 0 {
		return false
	}
	l.msgs[i].MarkSeen(viewerID)
	return true
}

// mergeExisting re-files an entry that predates a page-1 reload.
func (l *Log) mergeExisting(m Message) {
	if m.Pending {
		// Skip pending entries whose confirmation is already in the page.
		if m.CorrelationID != "" {
			for i := range l.msgs {
				if !l.msgs[i].Pending && l.msgs[i].CorrelationID == m.CorrelationID {
					return
				}
			}
		}
		l.insertSorted(m)
		return
	}
	if m.ID != "" && l.indexByID(m.ID) >= 0 {
		return
	}
	l.insertSorted(m)
}

func (l *Log) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i := range l.msgs {
		if l.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// insertSorted places m after every entry with an equal or earlier timestamp,
// preserving arrival order among ties.
func (l *Log) insertSorted(m Message) {
	i := len(l.msgs)
	for i > 0 && l.msgs[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	l.msgs = append(l.msgs, Message{})
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = m
}

func withinTolerance(a, b time.Time) bool {
	d := b.Sub(a)
	if d < 0 {
		d = -d
	}
	return d <= reconcileTolerance
}
