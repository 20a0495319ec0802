package storage

import (
	"context"
	"fmt"
	"sync"

	"campuscast/internal/access"
)

// index is an in-memory directory image shared by the memory and file drivers.
type index struct {
	recipients  []Recipient
	byID        map[string]int
	courses     map[string]Course
	lessons     map[string]Lesson
	enrollments map[string]map[string]string // course -> recipient -> status
}

func newIndex() *index {
	return &index{
		byID:        map[string]int{},
		courses:     map[string]Course{},
		lessons:     map[string]Lesson{},
		enrollments: map[string]map[string]string{},
	}
}

// buildIndex validates snap strictly: empty or duplicate ids are errors.
func buildIndex(snap Snapshot) (*index, error) {
	ix := newIndex()
	if err := ix.load(snap, true); err != nil {
		return nil, err
	}
	return ix, nil
}

// load applies snap. In non-strict mode records with empty ids are skipped
// and the first record of a duplicated recipient id wins.
func (ix *index) load(snap Snapshot, strict bool) error {
	for _, r := range snap.Recipients {
		_, dup := ix.byID[r.ID]
		if r.ID == "" || dup {
			if strict {
				return fmt.Errorf("invalid recipient id %q (empty or duplicate)", r.ID)
			}
			continue
		}
		ix.putRecipient(r)
	}
	for _, c := range snap.Courses {
		if c.ID == "" {
			if strict {
				return fmt.Errorf("course with empty id")
			}
			continue
		}
		ix.courses[c.ID] = c
	}
	for _, l := range snap.Lessons {
		if l.ID == "" {
			if strict {
				return fmt.Errorf("lesson with empty id")
			}
			continue
		}
		ix.lessons[l.ID] = l
	}
	for _, e := range snap.Enrollments {
		ix.enroll(e)
	}
	return nil
}

func (ix *index) putRecipient(r Recipient) {
	if i, ok := ix.byID[r.ID]; ok {
		ix.recipients[i] = r
		return
	}
	ix.byID[r.ID] = len(ix.recipients)
	ix.recipients = append(ix.recipients, r)
}

func (ix *index) enroll(e Enrollment) {
	m := ix.enrollments[e.CourseID]
	if m == nil {
		m = map[string]string{}
		ix.enrollments[e.CourseID] = m
	}
	m[e.RecipientID] = e.Status
}

func (ix *index) filter(keep func(Recipient) bool) []Recipient {
	out := make([]Recipient, 0, len(ix.recipients))
	for _, r := range ix.recipients {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func (ix *index) byIDs(ids []string) []Recipient {
	out := make([]Recipient, 0, len(ids))
	for _, id := range ids {
		if i, ok := ix.byID[id]; ok {
			out = append(out, ix.recipients[i])
		}
	}
	return out
}

func (ix *index) enrolled(courseID string) []Recipient {
	m := ix.enrollments[courseID]
	return ix.filter(func(r Recipient) bool { return m[r.ID] == EnrollmentActive })
}

// Memory is a mutable in-process Store. Mutators exist so tests and seeders
// can change backing state between dispatches.
type Memory struct {
	mu sync.RWMutex
	ix *index
}

// NewMemory builds a memory store from snap. Records with empty ids are
// skipped; the first record of a duplicated recipient id wins.
func NewMemory(snap Snapshot) *Memory {
	ix := newIndex()
	_ = ix.load(snap, false)
	return &Memory{ix: ix}
}

func (m *Memory) PutRecipient(r Recipient) {
	m.mu.Lock()
	m.ix.putRecipient(r)
	m.mu.Unlock()
}

func (m *Memory) PutCourse(c Course) {
	m.mu.Lock()
	m.ix.courses[c.ID] = c
	m.mu.Unlock()
}

func (m *Memory) PutLesson(l Lesson) {
	m.mu.Lock()
	m.ix.lessons[l.ID] = l
	m.mu.Unlock()
}

func (m *Memory) Enroll(e Enrollment) {
	m.mu.Lock()
	m.ix.enroll(e)
	m.mu.Unlock()
}

func (m *Memory) ListRecipients(ctx context.Context) ([]Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ix.filter(func(Recipient) bool { return true }), nil
}

func (m *Memory) RecipientsByRole(ctx context.Context, role access.Role) ([]Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ix.filter(func(r Recipient) bool { return r.Role == role }), nil
}

func (m *Memory) RecipientsByIDs(ctx context.Context, ids []string) ([]Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ix.byIDs(ids), nil
}

func (m *Memory) EnrolledRecipients(ctx context.Context, courseID string) ([]Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ix.enrolled(courseID), nil
}

func (m *Memory) Recipient(ctx context.Context, id string) (Recipient, bool, error) {
	if err := ctx.Err(); err != nil {
		return Recipient{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.ix.byID[id]
	if !ok {
		return Recipient{}, false, nil
	}
	return m.ix.recipients[i], true, nil
}

func (m *Memory) Course(ctx context.Context, id string) (Course, bool, error) {
	if err := ctx.Err(); err != nil {
		return Course{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.ix.courses[id]
	return c, ok, nil
}

func (m *Memory) Lesson(ctx context.Context, id string) (Lesson, bool, error) {
	if err := ctx.Err(); err != nil {
		return Lesson{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.ix.lessons[id]
	return l, ok, nil
}

func (m *Memory) Close() error { return nil }
