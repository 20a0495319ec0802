package audience

import (
	"errors"
	"fmt"
	"strings"

	"campuscast/internal/access"
)

// Kind enumerates the audience variants.
type Kind int

const (
	kindInvalid Kind = iota
	KindAll
	KindRole
	KindCourse
	KindIDs
)

func (k Kind) String() string {
	switch k {
	case KindAll:
		return "all"
	case KindRole:
		return "role"
	case KindCourse:
		return "course"
	case KindIDs:
		return "ids"
	default:
		return "invalid"
	}
}

var ErrInvalidSpecifier = errors.New("invalid audience specifier")

// Specifier describes who a bulk send targets. Build one with All, ByRole,
// ByCourse, IDs or Parse; the zero value is invalid.
type Specifier struct {
	kind   Kind
	role   access.Role
	course string
	ids    []string
}

func All() Specifier { return Specifier{kind: KindAll} }

func ByRole(r access.Role) Specifier { return Specifier{kind: KindRole, role: r} }

func ByCourse(courseID string) Specifier { return Specifier{kind: KindCourse, course: courseID} }

// IDs targets explicit recipients. Duplicate and blank ids are removed,
// first occurrence wins.
func IDs(ids ...string) Specifier {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return Specifier{kind: KindIDs, ids: out}
}

func (s Specifier) Kind() Kind        { return s.kind }
func (s Specifier) Role() access.Role { return s.role }
func (s Specifier) CourseID() string  { return s.course }
func (s Specifier) IDs() []string     { return append([]string(nil), s.ids...) }
func (s Specifier) Valid() bool       { return s.validate() == nil }
func (s Specifier) IsZero() bool      { return s.kind == kindInvalid }

func (s Specifier) validate() error {
	switch s.kind {
	case KindAll, KindIDs:
		return nil
	case KindRole:
		if s.role == "" {
			return fmt.Errorf("%w: empty role", ErrInvalidSpecifier)
		}
		return nil
	case KindCourse:
		if s.course == "" {
			return fmt.Errorf("%w: empty course id", ErrInvalidSpecifier)
		}
		return nil
	default:
		return ErrInvalidSpecifier
	}
}

// String returns the text form accepted by Parse.
func (s Specifier) String() string {
	switch s.kind {
	case KindAll:
		return "all"
	case KindRole:
		return "role:" + string(s.role)
	case KindCourse:
		return "course:" + s.course
	case KindIDs:
		return "ids:" + strings.Join(s.ids, ",")
	default:
		return ""
	}
}

// Parse reads the text form.
//
//	all
//	role:<role>
//	course:<id>
//	ids:<id>,<id>,...
func Parse(text string) (Specifier, error) {
	raw := strings.TrimSpace(text)
	if strings.EqualFold(raw, "all") {
		return All(), nil
	}
	kind, val, ok := strings.Cut(raw, ":")
	if !ok {
		return Specifier{}, fmt.Errorf("%w: %q", ErrInvalidSpecifier, text)
	}
	val = strings.TrimSpace(val)
	var s Specifier
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "role":
		s = ByRole(access.Role(val))
	case "course":
		s = ByCourse(val)
	case "ids", "id":
		if val == "" {
			s = IDs()
		} else {
			s = IDs(strings.Split(val, ",")...)
		}
	default:
		return Specifier{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSpecifier, kind)
	}
	if err := s.validate(); err != nil {
		return Specifier{}, err
	}
	return s, nil
}

// MarshalText and UnmarshalText let specifiers live in config files.
func (s Specifier) MarshalText() ([]byte, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	return []byte(s.String()), nil
}

func (s *Specifier) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
