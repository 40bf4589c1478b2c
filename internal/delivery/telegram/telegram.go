// Package telegram delivers reminders through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"studiobot/internal/delivery"
	"studiobot/internal/runtime/supervisor"
	logx "studiobot/pkg/logx"
)

const telegramTextLimit = 4000

type Config struct {
	Token        string
	OwnerUserIDs []int64
	AdminChat    int64
	PollTimeout  time.Duration
	SendTimeout  time.Duration
	// RatePerSec limits messages per recipient. Zero disables limiting.
	RatePerSec float64
}

// Command is an owner-only bot command. Run returns the reply text.
type Command struct {
	Name string
	Help string
	Run  func(ctx context.Context, args string) (string, error)
}

// Bot is a delivery.Channel, the log alert sink and a small command surface.
type Bot struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	limiters *limiterSet

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

func New(cfg Config, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		// Long polls must outlive the poll timeout; sends are bounded by ctx.
		Client: &http.Client{Timeout: cfg.PollTimeout + cfg.SendTimeout},
	})
	if err != nil {
		return nil, err
	}
	return &Bot{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "telegram")),
		bot:      b,
		limiters: newLimiterSet(cfg.RatePerSec),
	}, nil
}

func (b *Bot) Name() string { return "telegram" }

// Send delivers body to the chat id in recipient, splitting long texts. The
// receipt carries the id of the last message sent.
func (b *Bot) Send(ctx context.Context, recipient, body string) (delivery.Receipt, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil || chatID == 0 {
		return delivery.Receipt{}, fmt.Errorf("chat %q: %w", recipient, delivery.ErrNoRecipient)
	}
	if err := b.wait(ctx, recipient); err != nil {
		return delivery.Receipt{}, delivery.Transient(err)
	}

	var last *tele.Message
	for _, chunk := range splitText(body, telegramTextLimit) {
		msg, err := b.sendChunk(ctx, chatID, chunk)
		if err != nil {
			return delivery.Receipt{}, classify(err)
		}
		last = msg
	}
	if last == nil {
		return delivery.Receipt{}, nil
	}
	return delivery.Receipt{MessageID: strconv.Itoa(last.ID)}, nil
}

// sendChunk runs the blocking API call so that ctx cancellation is honored.
// A call abandoned this way may still land; callers accept at-least-once.
func (b *Bot) sendChunk(ctx context.Context, chatID int64, text string) (*tele.Message, error) {
	type result struct {
		msg *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := b.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
		done <- result{msg, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.msg, r.err
	}
}

func (b *Bot) wait(ctx context.Context, recipient string) error {
	if b.cfg.RatePerSec <= 0 {
		return nil
	}
	return b.limiters.get(recipient, time.Now()).Wait(ctx)
}

const (
	limiterIdleTTL = 10 * time.Minute
	limiterPruneAt = 1024
)

// limiterSet hands out one limiter per recipient. Once it holds
// limiterPruneAt entries, limiters idle for limiterIdleTTL are dropped; an
// idle limiter is full again, so a fresh one behaves the same.
type limiterSet struct {
	mu    sync.Mutex
	limit rate.Limit
	byKey map[string]*idleLimiter
}

type idleLimiter struct {
	lim  *rate.Limiter
	last time.Time
}

func newLimiterSet(perSec float64) *limiterSet {
	return &limiterSet{limit: rate.Limit(perSec), byKey: map[string]*idleLimiter{}}
}

func (s *limiterSet) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.byKey[key]; ok {
		l.last = now
		return l.lim
	}
	if len(s.byKey) >= limiterPruneAt {
		for k, l := range s.byKey {
			if now.Sub(l.last) >= limiterIdleTTL {
				delete(s.byKey, k)
			}
		}
	}
	l := &idleLimiter{lim: rate.NewLimiter(s.limit, 1), last: now}
	s.byKey[key] = l
	return l.lim
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// SendAlert posts a log alert to the admin chat.
func (b *Bot) SendAlert(ctx context.Context, text string) error {
	if b.cfg.AdminChat == 0 {
		return nil
	}
	_, err := b.Send(ctx, strconv.FormatInt(b.cfg.AdminChat, 10), text)
	return err
}

// Handle registers owner-only commands. Call before Start.
func (b *Bot) Handle(ctx context.Context, cmds ...Command) {
	for _, cmd := range cmds {
		cmd := cmd
		name := "/" + strings.TrimPrefix(cmd.Name, "/")
		b.bot.Handle(name, func(c tele.Context) error {
			if !b.owner(c.Sender()) {
				b.log.Debug("command from non-owner ignored", logx.String("cmd", name))
				return nil
			}
			cctx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
			defer cancel()
			reply, err := cmd.Run(cctx, c.Message().Payload)
			if err != nil {
				b.log.Warn("command failed", logx.String("cmd", name), logx.Err(err))
				reply = "error: " + err.Error()
			}
			for _, chunk := range splitText(reply, telegramTextLimit) {
				if err := c.Send(chunk); err != nil {
					return err
				}
			}
			return nil
		})
	}
}

func (b *Bot) owner(u *tele.User) bool {
	if u == nil {
		return false
	}
	for _, id := range b.cfg.OwnerUserIDs {
		if id == u.ID {
			return true
		}
	}
	return false
}

// Start begins long polling under a supervisor. It is idempotent.
func (b *Bot) Start(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.sup != nil {
		return
	}
	b.sup = supervisor.New(ctx, supervisor.WithLogger(b.log))
	b.sup.GoRestart("telegram.poll", func(ctx context.Context) error {
		stopped := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				b.bot.Stop()
			case <-stopped:
			}
		}()
		b.log.Info("polling started")
		b.bot.Start()
		close(stopped)
		return ctx.Err()
	}, supervisor.WithStopOnCleanExit(false), supervisor.WithRestartBackoff(time.Second, time.Minute))
}

// Stop ends polling, waiting at most for ctx.
func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	sup := b.sup
	b.sup = nil
	b.runMu.Unlock()
	if sup == nil {
		return nil
	}
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	sup.Cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		b.log.Warn("telegram stop grace elapsed; continuing shutdown", logx.Err(err))
	} else {
		b.log.Info("polling stopped")
	}
	return nil
}
