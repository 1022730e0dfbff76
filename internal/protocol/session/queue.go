package session

import "time"

// Entry is one outbound relay line and the time it was queued.
type Entry struct {
	Text     string
	QueuedAt time.Time
}

// Expired reports whether the entry is older than maxAge at now.
func (e Entry) Expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(e.QueuedAt) > maxAge
}

// Queue is a FIFO of relay lines. It is owned by a single goroutine.
type Queue struct {
	items []Entry
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(e Entry) {
	q.items = append(q.items, e)
}

// PushFront puts entries back at the head, keeping their order.
func (q *Queue) PushFront(entries ...Entry) {
	if len(entries) == 0 {
		return
	}
	items := make([]Entry, 0, len(entries)+len(q.items))
	items = append(items, entries...)
	q.items = append(items, q.items...)
}

func (q *Queue) Pop() (Entry, bool) {
	if len(q.items) == 0 {
		return Entry{}, false
	}
	e := q.items[0]
	q.items[0] = Entry{}
	q.items = q.items[1:]
	return e, true
}

func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) Clear() {
	q.items = nil
}

// Snapshot returns a copy of the queued entries in order.
func (q *Queue) Snapshot() []Entry {
	out := make([]Entry, len(q.items))
	copy(out, q.items)
	return out
}
