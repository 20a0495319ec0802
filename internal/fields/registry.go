package fields

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"campuscast/internal/storage"
)

// Category groups fields for UI enumeration.
type Category string

const (
	CategoryUser   Category = "user"
	CategoryCourse Category = "course"
	CategoryLesson Category = "lesson"
	CategorySystem Category = "system"
	CategoryCustom Category = "custom"
)

// categoryOrder is the grouping order of List().
var categoryOrder = []Category{CategoryUser, CategoryCourse, CategoryLesson, CategorySystem, CategoryCustom}

func (c Category) valid() bool {
	for _, k := range categoryOrder {
		if c == k {
			return true
		}
	}
	return false
}

// System carries platform-wide values available to every render.
type System struct {
	PlatformName string
	SupportEmail string
	Now          time.Time
}

// RenderContext is everything a resolver may read for one render.
// User, Course and Lesson are optional.
type RenderContext struct {
	User   *storage.Recipient
	Course *storage.Course
	Lesson *storage.Lesson
	System System
	Custom map[string]string
}

// Resolver computes a field value. Resolvers must be pure: same context, same output.
type Resolver func(ctx *RenderContext) string

// Info describes a registered field.
type Info struct {
	Name     string
	Category Category
}

var ErrSealed = errors.New("field registry is sealed")

// DuplicateFieldError reports a second registration of the same name.
type DuplicateFieldError struct {
	Name string
}

func (e *DuplicateFieldError) Error() string {
	return fmt.Sprintf("field %q already registered", e.Name)
}

// InvalidFieldError reports a name or category that cannot be registered.
type InvalidFieldError struct {
	Name   string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Name, e.Reason)
}

type entry struct {
	info    Info
	resolve Resolver
}

// Registry maps token names to resolvers.
//
// It is append-only during startup. Seal() freezes it; after that it is
// read-only and safe for concurrent lookups.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	order   []string
	sealed  bool
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Register adds a field. Names follow the token grammar (word characters only).
func (r *Registry) Register(name string, cat Category, fn Resolver) error {
	if !IsName(name) {
		return &InvalidFieldError{Name: name, Reason: "name must be one or more word characters"}
	}
	if !cat.valid() {
		return &InvalidFieldError{Name: name, Reason: fmt.Sprintf("unknown category %q", cat)}
	}
	if fn == nil {
		return &InvalidFieldError{Name: name, Reason: "nil resolver"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	if _, ok := r.entries[name]; ok {
		return &DuplicateFieldError{Name: name}
	}
	r.entries[name] = entry{info: Info{Name: name, Category: cat}, resolve: fn}
	r.order = append(r.order, name)
	return nil
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Lookup returns the resolver for name.
func (r *Registry) Lookup(name string) (Resolver, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.resolve, true
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// List returns every field grouped by category (user, course, lesson,
// system, custom) with registration order kept inside each group.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.order))
	for _, cat := range categoryOrder {
		for _, name := range r.order {
			if e := r.entries[name]; e.info.Category == cat {
				out = append(out, e.info)
			}
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// IsName reports whether s is a valid token name: one or more ASCII word
// characters ([0-9A-Za-z_]).
func IsName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !IsWordByte(s[i]) {
			return false
		}
	}
	return true
}

func IsWordByte(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}
