package audience

import (
	"context"
	"fmt"

	"campuscast/internal/access"
	"campuscast/internal/storage"
	logx "campuscast/pkg/logx"
)

// Directory is the read side of storage the resolver needs.
type Directory interface {
	ListRecipients(ctx context.Context) ([]storage.Recipient, error)
	RecipientsByRole(ctx context.Context, role access.Role) ([]storage.Recipient, error)
	RecipientsByIDs(ctx context.Context, ids []string) ([]storage.Recipient, error)
	EnrolledRecipients(ctx context.Context, courseID string) ([]storage.Recipient, error)
	Course(ctx context.Context, id string) (storage.Course, bool, error)
}

// UnknownCourseError is returned for a course audience whose course does not exist.
type UnknownCourseError struct {
	CourseID string
}

func (e *UnknownCourseError) Error() string {
	return fmt.Sprintf("unknown course %q", e.CourseID)
}

// Resolution is the deduplicated recipient set for one specifier.
type Resolution struct {
	Recipients []storage.Recipient
	Dropped    int
	DroppedIDs []string
}

func (r Resolution) Len() int { return len(r.Recipients) }

type Resolver struct {
	dir Directory
	log logx.Logger
}

func NewResolver(dir Directory, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{dir: dir, log: log.With(logx.Component("audience"))}
}

// Resolve reads current directory state for s. Nothing is cached between calls.
func (r *Resolver) Resolve(ctx context.Context, s Specifier) (Resolution, error) {
	if err := s.validate(); err != nil {
		return Resolution{}, err
	}
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}

	var (
		rs  []storage.Recipient
		err error
		res Resolution
	)
	switch s.kind {
	case KindAll:
		rs, err = r.dir.ListRecipients(ctx)
		rs = activeOnly(rs)
	case KindRole:
		rs, err = r.dir.RecipientsByRole(ctx, s.role)
		rs = withRole(rs, s.role)
	case KindCourse:
		var ok bool
		_, ok, err = r.dir.Course(ctx, s.course)
		if err == nil && !ok {
			return Resolution{}, &UnknownCourseError{CourseID: s.course}
		}
		if err == nil {
			rs, err = r.dir.EnrolledRecipients(ctx, s.course)
		}
	case KindIDs:
		if len(s.ids) > 0 {
			rs, err = r.dir.RecipientsByIDs(ctx, s.ids)
		}
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve %s: %w", s, err)
	}

	res.Recipients = dedupe(rs)
	if s.kind == KindIDs {
		found := make(map[string]bool, len(res.Recipients))
		for _, rc := range res.Recipients {
			found[rc.ID] = true
		}
		for _, id := range s.ids {
			if !found[id] {
				res.DroppedIDs = append(res.DroppedIDs, id)
			}
		}
		res.Dropped = len(res.DroppedIDs)
	}

	r.log.Debug("audience resolved",
		logx.String("audience", s.String()),
		logx.Int("recipients", len(res.Recipients)),
		logx.Int("dropped", res.Dropped),
	)
	return res, nil
}

func dedupe(rs []storage.Recipient) []storage.Recipient {
	if len(rs) == 0 {
		return nil
	}
	out := make([]storage.Recipient, 0, len(rs))
	seen := make(map[string]bool, len(rs))
	for _, rc := range rs {
		if rc.ID == "" || seen[rc.ID] {
			continue
		}
		seen[rc.ID] = true
		out = append(out, rc)
	}
	return out
}

func activeOnly(rs []storage.Recipient) []storage.Recipient {
	out := rs[:0:0]
	for _, rc := range rs {
		if rc.Active {
			out = append(out, rc)
		}
	}
	return out
}

// withRole keeps exact role matches only.
func withRole(rs []storage.Recipient, role access.Role) []storage.Recipient {
	out := rs[:0:0]
	for _, rc := range rs {
		if rc.Role == role {
			out = append(out, rc)
		}
	}
	return out
}
