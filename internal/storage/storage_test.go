package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"campuscast/internal/access"
	logx "campuscast/pkg/logx"
)

func fixture() Snapshot {
	return Snapshot{
		Recipients: []Recipient{
			{ID: "u1", DisplayName: "John Carter", Email: "john@example.com", Role: access.RoleStudent, Active: true},
			{ID: "u2", DisplayName: "Ada Lovelace", Email: "ada@example.com", Role: access.RoleInstructor, Active: true},
			{ID: "u3", DisplayName: "Grace Hopper", Phone: "+15550003", Role: access.RoleStudent, Active: false},
			{ID: "u4", FirstName: "Alan", LastName: "Turing", Role: access.RoleAdmin, Active: true},
		},
		Courses: []Course{
			{ID: "14", Name: "Leadership 101", Instructor: "Ada Lovelace", StartsAt: time.Date(2026, 11, 2, 9, 30, 0, 0, time.UTC), DurationMinutes: 90},
		},
		Lessons: []Lesson{
			{ID: "l1", CourseID: "14", Title: "Kickoff", DurationMinutes: 45, MeetingURL: "https://meet.example.com/kickoff"},
		},
		Enrollments: []Enrollment{
			{RecipientID: "u1", CourseID: "14", Status: EnrollmentActive},
			{RecipientID: "u3", CourseID: "14", Status: EnrollmentActive},
			{RecipientID: "u2", CourseID: "14", Status: "dropped"},
		},
	}
}

func ids(rs []Recipient) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

// exerciseStore runs the shared read contract against any backend loaded with fixture().
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	all, err := st.ListRecipients(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2", "u3", "u4"}, ids(all))

	students, err := st.RecipientsByRole(ctx, access.RoleStudent)
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u3"}, ids(students))

	picked, err := st.RecipientsByIDs(ctx, []string{"u4", "missing", "u1"})
	require.NoError(t, err)
	require.Equal(t, []string{"u4", "u1"}, ids(picked))

	enrolled, err := st.EnrolledRecipients(ctx, "14")
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u3"}, ids(enrolled))

	r, ok, err := st.Recipient(ctx, "u3")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, r.Active)
	require.Equal(t, "+15550003", r.Phone)

	_, ok, err = st.Recipient(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)

	c, ok, err := st.Course(ctx, "14")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Leadership 101", c.Name)
	require.Equal(t, 90, c.DurationMinutes)
	require.True(t, c.StartsAt.Equal(time.Date(2026, 11, 2, 9, 30, 0, 0, time.UTC)))

	_, ok, err = st.Course(ctx, "99")
	require.NoError(t, err)
	require.False(t, ok)

	l, ok, err := st.Lesson(ctx, "l1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Kickoff", l.Title)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory(fixture()))
}

func TestMemoryStoreReflectsMutations(t *testing.T) {
	m := NewMemory(fixture())
	ctx := context.Background()

	m.PutRecipient(Recipient{ID: "u1", DisplayName: "John Carter", Role: access.RoleInstructor, Active: true})
	students, err := m.RecipientsByRole(ctx, access.RoleStudent)
	require.NoError(t, err)
	require.Equal(t, []string{"u3"}, ids(students))

	all, err := m.ListRecipients(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", all[0].ID, "update must keep insertion position")
}

func TestNewMemorySkipsDuplicateIDs(t *testing.T) {
	m := NewMemory(Snapshot{Recipients: []Recipient{
		{ID: "a", DisplayName: "first"},
		{ID: "a", DisplayName: "second"},
		{ID: "", DisplayName: "anonymous"},
	}})
	all, err := m.ListRecipients(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "first", all[0].DisplayName)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "dir.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.Load(ctx, fixture()))
	exerciseStore(t, st)

	// Re-loading updates rows in place and keeps ordering.
	snap := Snapshot{Recipients: []Recipient{{ID: "u1", DisplayName: "John Carter", Role: access.RoleStudent, Active: false}}}
	require.NoError(t, st.Load(ctx, snap))
	r, ok, err := st.Recipient(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, r.Active)
	all, err := st.ListRecipients(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2", "u3", "u4"}, ids(all))
}

func TestSQLiteRecipientsByIDsChunks(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(ctx, Config{Path: filepath.Join(t.TempDir(), "dir.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var snap Snapshot
	var want []string
	for i := 0; i < maxIDsPerQuery+25; i++ {
		id := fmt.Sprintf("r%04d", i)
		snap.Recipients = append(snap.Recipients, Recipient{ID: id, Role: access.RoleStudent, Active: true})
		want = append(want, id)
	}
	require.NoError(t, st.Load(ctx, snap))

	got, err := st.RecipientsByIDs(ctx, want)
	require.NoError(t, err)
	require.Equal(t, want, ids(got))
}

func TestFileStoreReloadsOnChange(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
recipients:
  - {id: u1, display_name: John Carter, role: student, active: true}
courses:
  - {id: "14", name: Leadership 101}
`), 0o600))

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	all, err := st.ListRecipients(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, ids(all))

	require.NoError(t, os.WriteFile(path, []byte(`
recipients:
  - {id: u1, display_name: John Carter, role: student, active: true}
  - {id: u2, display_name: Ada Lovelace, role: instructor, active: true}
`), 0o600))
	// Force a distinct mtime even on coarse filesystems.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	all, err = st.ListRecipients(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, ids(all))
}

func TestFileStoreKeepsImageOnBadReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "directory.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"recipients":[{"id":"u1","role":"student","active":true}]}`), 0o600))

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"recipients":[{"id":"u1"},{"id":"u1"}]}`), 0o600))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	all, err := st.ListRecipients(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, ids(all))

	require.NoError(t, st.Close())
	_, err = st.ListRecipients(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}

func TestRecipientNameDerivation(t *testing.T) {
	r := Recipient{DisplayName: "Mary Ann Evans"}
	require.Equal(t, "Mary", r.GivenName())
	require.Equal(t, "Ann Evans", r.FamilyName())
	require.Equal(t, "Mary Ann Evans", r.FullName())

	r = Recipient{FirstName: "Alan", LastName: "Turing"}
	require.Equal(t, "Alan", r.GivenName())
	require.Equal(t, "Alan Turing", r.FullName())
}
