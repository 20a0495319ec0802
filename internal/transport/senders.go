package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"campuscast/internal/storage"
	logx "campuscast/pkg/logx"
)

// Log writes every message to the structured log. Used for dry runs.
type Log struct {
	kind Kind
	log  logx.Logger
}

func NewLog(kind Kind, log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	if kind == "" {
		kind = KindLog
	}
	return &Log{kind: kind, log: log.With(logx.Component("transport"), logx.String("channel", string(kind)))}
}

func (l *Log) Send(ctx context.Context, to storage.Recipient, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.Info("message delivered",
		logx.Recipient(to.ID),
		logx.String("address", Address(l.kind, to)),
		logx.Body("text", text),
	)
	return nil
}

// Delivery is one message recorded by Memory.
type Delivery struct {
	RecipientID string
	Text        string
	At          time.Time
}

// Memory records deliveries in process. Fail lets tests inject failures per recipient.
type Memory struct {
	mu    sync.Mutex
	sent  []Delivery
	tries map[string]int
	fail  map[string]error
	delay time.Duration
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{tries: map[string]int{}, fail: map[string]error{}, now: time.Now}
}

// Fail makes every send to recipientID return err. A nil err clears it.
func (m *Memory) Fail(recipientID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, recipientID)
		return
	}
	m.fail[recipientID] = err
}

// Delay makes every send block for d or until its context ends.
func (m *Memory) Delay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

func (m *Memory) Send(ctx context.Context, to storage.Recipient, text string) error {
	m.mu.Lock()
	m.tries[to.ID]++
	delay := m.delay
	fail := m.fail[to.ID]
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.sent = append(m.sent, Delivery{RecipientID: to.ID, Text: text, At: m.now()})
	m.mu.Unlock()
	return nil
}

// Sent returns a copy of successful deliveries in completion order.
func (m *Memory) Sent() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.sent...)
}

// Attempts returns how many times Send was called for recipientID.
func (m *Memory) Attempts(recipientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tries[recipientID]
}

func (m *Memory) TotalAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.tries {
		n += v
	}
	return n
}

// Channel requires an address for kind before handing off to next.
type Channel struct {
	kind Kind
	next Sender
}

func NewChannel(kind Kind, next Sender) *Channel {
	return &Channel{kind: kind, next: next}
}

func (c *Channel) Kind() Kind { return c.kind }

func (c *Channel) Send(ctx context.Context, to storage.Recipient, text string) error {
	if c.kind != KindLog && Address(c.kind, to) == "" {
		return fmt.Errorf("%s %s: %w", c.kind, to.ID, ErrNoAddress)
	}
	if c.next == nil {
		return nil
	}
	return c.next.Send(ctx, to, text)
}

// New builds the sender for kind: an address check in front of a log sink.
// Real providers plug in through Channel with their own Sender.
func New(kind Kind, log logx.Logger) Sender {
	return NewChannel(kind, NewLog(kind, log))
}
