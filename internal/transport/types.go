package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"campuscast/internal/storage"
)

// Sender delivers one rendered message to one recipient.
type Sender interface {
	Send(ctx context.Context, to storage.Recipient, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to storage.Recipient, text string) error

func (f SenderFunc) Send(ctx context.Context, to storage.Recipient, text string) error {
	return f(ctx, to, text)
}

// Kind names a delivery channel.
type Kind string

const (
	KindLog   Kind = "log"
	KindEmail Kind = "email"
	KindSMS   Kind = "sms"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", KindLog:
		return KindLog, nil
	case KindEmail, KindSMS:
		return k, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

var (
	// ErrNoAddress means the recipient has no address for the selected channel.
	ErrNoAddress = errors.New("recipient has no address for channel")
	// ErrPermanent marks a failure that retrying cannot fix. Senders wrap it.
	ErrPermanent = errors.New("permanent delivery failure")
)

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNoAddress) || errors.Is(err, ErrPermanent)
}

// Address returns the recipient's address on channel k.
func Address(k Kind, r storage.Recipient) string {
	switch k {
	case KindEmail:
		return strings.TrimSpace(r.Email)
	case KindSMS:
		return strings.TrimSpace(r.Phone)
	default:
		return r.ID
	}
}
