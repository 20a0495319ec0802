package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSnapshot = `
recipients:
  - {id: u-admin, display_name: Ada Admin, role: admin, active: true}
  - {id: u1, display_name: Sam One, email: sam@campus.test, role: student, active: true}
  - {id: u2, display_name: Sue Two, role: student, active: true}
courses:
  - {id: c-101, name: Go 101}
enrollments:
  - {recipient_id: u1, course_id: c-101, status: active}
  - {recipient_id: u2, course_id: c-101, status: dropped}
`

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	snap := filepath.Join(dir, "directory.yaml")
	require.NoError(t, os.WriteFile(snap, []byte(testSnapshot), 0o644))
	cfg := "logging: {level: error}\nstorage: {driver: file, path: " + snap + "}\nfields: {custom: [promoCode]}\n"
	path := filepath.Join(dir, "campuscast.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFieldsCommand(t *testing.T) {
	t.Parallel()

	out, err := run(t, "-q", "-c", writeFixture(t), "fields")
	require.NoError(t, err)
	require.Contains(t, out, "{firstName}")
	require.Contains(t, out, "{promoCode}")
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	cfg := writeFixture(t)
	out, err := run(t, "-q", "-c", cfg, "validate", "Hi {firstName} {promoCode}")
	require.NoError(t, err)
	require.Contains(t, out, "ok")

	out, err = run(t, "-q", "-c", cfg, "validate", "Hi {nickname}")
	require.NoError(t, err)
	require.Contains(t, out, "nickname")

	_, err = run(t, "-q", "-c", cfg, "validate", "Hi {firstName")
	require.Error(t, err)
}

func TestDispatchDryRun(t *testing.T) {
	t.Parallel()

	out, err := run(t, "-q", "-c", writeFixture(t), "dispatch",
		"--as", "u-admin", "--audience", "course:c-101", "--dry-run",
		"--data", "promoCode=FALL26",
		"Hi {firstName}, {courseName} code {promoCode}")
	require.NoError(t, err)
	require.Contains(t, out, "total=1 sent=1 failed=0")
	require.Contains(t, out, "Hi Sam, Go 101 code FALL26")
}

func TestDispatchDeniedForStudent(t *testing.T) {
	t.Parallel()

	_, err := run(t, "-q", "-c", writeFixture(t), "dispatch", "--as", "u1", "--audience", "all", "--dry-run", "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "insufficient_role")
}

func TestSeedRequiresSQLite(t *testing.T) {
	t.Parallel()

	_, err := run(t, "-q", "-c", writeFixture(t), "seed", "--from", "x.yaml")
	require.Error(t, err)
	require.Contains(t, err.Error(), "sqlite")
}
