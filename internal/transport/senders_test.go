package transport

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"campuscast/internal/storage"
	logx "campuscast/pkg/logx"
)

func TestChannelRequiresAddress(t *testing.T) {
	t.Parallel()
	mem := NewMemory()
	cases := []struct {
		kind Kind
		to   storage.Recipient
		ok   bool
	}{
		{KindEmail, storage.Recipient{ID: "a", Email: "a@example.com"}, true},
		{KindEmail, storage.Recipient{ID: "b", Phone: "+1555"}, false},
		{KindSMS, storage.Recipient{ID: "c", Phone: "+1555"}, true},
		{KindSMS, storage.Recipient{ID: "d", Email: "d@example.com", Phone: "  "}, false},
		{KindLog, storage.Recipient{ID: "e"}, true},
	}
	for _, tc := range cases {
		err := NewChannel(tc.kind, mem).Send(context.Background(), tc.to, "hi")
		if tc.ok && err != nil {
			t.Fatalf("%s to %s: %v", tc.kind, tc.to.ID, err)
		}
		if !tc.ok && !errors.Is(err, ErrNoAddress) {
			t.Fatalf("%s to %s: err = %v, want ErrNoAddress", tc.kind, tc.to.ID, err)
		}
	}
	if got := len(mem.Sent()); got != 3 {
		t.Fatalf("delivered %d, want 3", got)
	}
}

func TestMemoryFailAndDelay(t *testing.T) {
	t.Parallel()
	mem := NewMemory()
	boom := errors.New("boom")
	mem.Fail("x", boom)
	if err := mem.Send(context.Background(), storage.Recipient{ID: "x"}, "t"); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	mem.Fail("x", nil)
	if err := mem.Send(context.Background(), storage.Recipient{ID: "x"}, "t"); err != nil {
		t.Fatalf("cleared failure still fails: %v", err)
	}
	if mem.Attempts("x") != 2 {
		t.Fatalf("Attempts = %d", mem.Attempts("x"))
	}

	mem.Delay(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := mem.Send(ctx, storage.Recipient{ID: "y"}, "t"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("delayed send err = %v", err)
	}
}

func TestLogSenderWritesMessage(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := NewLog(KindEmail, logx.NewWriter(&buf, "info"))
	if err := s.Send(context.Background(), storage.Recipient{ID: "u1", Email: "u1@example.com"}, "Hello John"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"recipient":"u1"`, `"address":"u1@example.com"`, `"text":"Hello John"`, `"channel":"email"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %s", out, want)
		}
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Kind{"": KindLog, "LOG": KindLog, "email": KindEmail, " sms ": KindSMS} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseKind("telegram"); err == nil {
		t.Fatal("ParseKind accepted telegram")
	}
}
