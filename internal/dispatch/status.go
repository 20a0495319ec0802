package dispatch

import (
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const statusCleanupInterval = 30 * time.Minute

// Status is the live view of one dispatch job.
type Status struct {
	JobID     string
	Label     string
	Total     int
	Sent      int
	Failed    int
	Skipped   int
	Running   bool
	Canceled  bool
	StartedAt time.Time
	DoneAt    time.Time
}

// Tracker keeps job status for a bounded time.
type Tracker struct {
	mu    sync.Mutex
	cache *gocache.Cache
	ttl   time.Duration
}

func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	return &Tracker{cache: gocache.New(ttl, statusCleanupInterval), ttl: ttl}
}

func (t *Tracker) start(id, label string, total int, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Set(id, &Status{JobID: id, Label: label, Total: total, Running: true, StartedAt: at}, t.ttl)
}

func (t *Tracker) update(id string, fn func(st *Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.cache.Get(id)
	if !ok {
		return
	}
	if st, ok := v.(*Status); ok {
		fn(st)
	}
}

func (t *Tracker) finish(id string, canceled bool, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.cache.Get(id)
	if !ok {
		return
	}
	st, ok := v.(*Status)
	if !ok {
		return
	}
	st.Running = false
	st.Canceled = canceled
	st.DoneAt = at
	// Restart the TTL from completion.
	t.cache.Set(id, st, t.ttl)
}

// Get returns a copy of the job's status.
func (t *Tracker) Get(id string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.cache.Get(id)
	if !ok {
		return Status{}, false
	}
	st, ok := v.(*Status)
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// List returns every retained status, newest first.
func (t *Tracker) List() []Status {
	t.mu.Lock()
	items := t.cache.Items()
	out := make([]Status, 0, len(items))
	for _, it := range items {
		if st, ok := it.Object.(*Status); ok {
			out = append(out, *st)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}
