package delivery

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	logx "studiobot/pkg/logx"
)

// Sandbox is a Channel that only logs. It stands in for the real messenger
// outside production and in tests.
type Sandbox struct {
	log logx.Logger
	seq atomic.Int64

	mu   sync.Mutex
	sent []SandboxMessage
	// Script, when set, decides the outcome of each send in order. A nil
	// entry or an exhausted script means success.
	Script []error
}

type SandboxMessage struct {
	Recipient string
	Body      string
	MessageID string
}

func NewSandbox(log logx.Logger) *Sandbox {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sandbox{log: log.With(logx.String("comp", "delivery.sandbox"))}
}

func (s *Sandbox) Name() string { return "sandbox" }

func (s *Sandbox) Send(ctx context.Context, recipient, body string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if recipient == "" {
		return Receipt{}, ErrNoRecipient
	}

	s.mu.Lock()
	var scripted error
	if len(s.Script) > 0 {
		scripted = s.Script[0]
		s.Script = s.Script[1:]
	}
	s.mu.Unlock()
	if scripted != nil {
		s.log.Debug("sandbox send failed", logx.String("recipient", recipient), logx.Err(scripted))
		return Receipt{}, scripted
	}

	id := "sandbox-" + strconv.FormatInt(s.seq.Add(1), 10)
	s.mu.Lock()
	s.sent = append(s.sent, SandboxMessage{Recipient: recipient, Body: body, MessageID: id})
	s.mu.Unlock()
	s.log.Info("sandbox message", logx.String("recipient", recipient), logx.String("message_id", id), logx.Int("len", len(body)))
	return Receipt{MessageID: id}, nil
}

// Sent returns a copy of the delivered messages.
func (s *Sandbox) Sent() []SandboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SandboxMessage(nil), s.sent...)
}

// SendAlert lets the sandbox act as the log alert sink.
func (s *Sandbox) SendAlert(ctx context.Context, text string) error {
	_, err := s.Send(ctx, "admin", text)
	return err
}
