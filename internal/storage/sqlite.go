package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"campuscast/internal/access"
	logx "campuscast/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// sqlite caps bound parameters; stay well below the limit per IN (...) query.
const maxIDsPerQuery = 500

const recipientColumns = `r.id, r.display_name, r.first_name, r.last_name, r.email, r.phone, r.role, r.active`

// SQLite is the sqlite-backed Store. Load is exposed for seeding.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	return OpenSQLite(context.Background(), cfg, log)
}

// OpenSQLite opens (and migrates) the database at cfg.Path.
func OpenSQLite(ctx context.Context, cfg Config, log logx.Logger) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db, log: log}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load upserts every record of snap in one transaction. Existing rows keep
// their position in result order.
func (s *SQLite) Load(ctx context.Context, snap Snapshot) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range snap.Recipients {
		if r.ID == "" {
			return errors.New("recipient with empty id")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recipients(id, display_name, first_name, last_name, email, phone, role, active)
			 VALUES(?,?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, first_name=excluded.first_name,
			   last_name=excluded.last_name, email=excluded.email, phone=excluded.phone, role=excluded.role, active=excluded.active`,
			r.ID, r.DisplayName, r.FirstName, r.LastName, r.Email, r.Phone, string(r.Role), r.Active,
		); err != nil {
			return fmt.Errorf("recipient %s: %w", r.ID, err)
		}
	}
	for _, c := range snap.Courses {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO courses(id, name, description, instructor, starts_at, duration_minutes) VALUES(?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description, instructor=excluded.instructor,
			   starts_at=excluded.starts_at, duration_minutes=excluded.duration_minutes`,
			c.ID, c.Name, c.Description, c.Instructor, timeText(c.StartsAt), c.DurationMinutes,
		); err != nil {
			return fmt.Errorf("course %s: %w", c.ID, err)
		}
	}
	for _, l := range snap.Lessons {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lessons(id, course_id, title, starts_at, duration_minutes, meeting_url) VALUES(?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET course_id=excluded.course_id, title=excluded.title, starts_at=excluded.starts_at,
			   duration_minutes=excluded.duration_minutes, meeting_url=excluded.meeting_url`,
			l.ID, l.CourseID, l.Title, timeText(l.StartsAt), l.DurationMinutes, l.MeetingURL,
		); err != nil {
			return fmt.Errorf("lesson %s: %w", l.ID, err)
		}
	}
	for _, e := range snap.Enrollments {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO enrollments(recipient_id, course_id, status) VALUES(?,?,?)
			 ON CONFLICT(recipient_id, course_id) DO UPDATE SET status=excluded.status`,
			e.RecipientID, e.CourseID, e.Status,
		); err != nil {
			return fmt.Errorf("enrollment %s/%s: %w", e.RecipientID, e.CourseID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) ListRecipients(ctx context.Context) ([]Recipient, error) {
	return s.queryRecipients(ctx, `SELECT `+recipientColumns+` FROM recipients r ORDER BY r.rowid`)
}

func (s *SQLite) RecipientsByRole(ctx context.Context, role access.Role) ([]Recipient, error) {
	return s.queryRecipients(ctx, `SELECT `+recipientColumns+` FROM recipients r WHERE r.role = ? ORDER BY r.rowid`, string(role))
}

func (s *SQLite) RecipientsByIDs(ctx context.Context, ids []string) ([]Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	// Preserve request order: fetch in chunks, then reorder by the input ids.
	found := make(map[string]Recipient, len(ids))
	for start := 0; start < len(ids); start += maxIDsPerQuery {
		end := min(start+maxIDsPerQuery, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		q := `SELECT ` + recipientColumns + ` FROM recipients r WHERE r.id IN (` + placeholders(len(chunk)) + `)`
		rs, err := s.queryRecipients(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		for _, r := range rs {
			found[r.ID] = r
		}
	}
	out := make([]Recipient, 0, len(found))
	for _, id := range ids {
		if r, ok := found[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *SQLite) EnrolledRecipients(ctx context.Context, courseID string) ([]Recipient, error) {
	return s.queryRecipients(ctx,
		`SELECT `+recipientColumns+` FROM recipients r
		 JOIN enrollments e ON e.recipient_id = r.id
		 WHERE e.course_id = ? AND e.status = ?
		 ORDER BY r.rowid`,
		courseID, EnrollmentActive,
	)
}

func (s *SQLite) Recipient(ctx context.Context, id string) (Recipient, bool, error) {
	rs, err := s.queryRecipients(ctx, `SELECT `+recipientColumns+` FROM recipients r WHERE r.id = ?`, id)
	if err != nil || len(rs) == 0 {
		return Recipient{}, false, err
	}
	return rs[0], true, nil
}

func (s *SQLite) Course(ctx context.Context, id string) (Course, bool, error) {
	if s == nil || s.db == nil {
		return Course{}, false, ErrClosed
	}
	var (
		c      Course
		starts sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, instructor, starts_at, duration_minutes FROM courses WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Description, &c.Instructor, &starts, &c.DurationMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return Course{}, false, nil
	}
	if err != nil {
		return Course{}, false, err
	}
	c.StartsAt = parseTimeText(starts)
	return c, true, nil
}

func (s *SQLite) Lesson(ctx context.Context, id string) (Lesson, bool, error) {
	if s == nil || s.db == nil {
		return Lesson{}, false, ErrClosed
	}
	var (
		l      Lesson
		starts sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, course_id, title, starts_at, duration_minutes, meeting_url FROM lessons WHERE id = ?`, id,
	).Scan(&l.ID, &l.CourseID, &l.Title, &starts, &l.DurationMinutes, &l.MeetingURL)
	if errors.Is(err, sql.ErrNoRows) {
		return Lesson{}, false, nil
	}
	if err != nil {
		return Lesson{}, false, err
	}
	l.StartsAt = parseTimeText(starts)
	return l, true, nil
}

func (s *SQLite) queryRecipients(ctx context.Context, q string, args ...any) ([]Recipient, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var (
			r    Recipient
			role string
		)
		if err := rows.Scan(&r.ID, &r.DisplayName, &r.FirstName, &r.LastName, &r.Email, &r.Phone, &role, &r.Active); err != nil {
			return nil, err
		}
		r.Role = access.Role(role)
		out = append(out, r)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func timeText(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeText(v sql.NullString) time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
