package telegram

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"studiobot/internal/delivery"
)

var statusSuffix = regexp.MustCompile(`\((\d{3})\)\s*$`)

// classify maps Bot API failures onto the delivery taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return delivery.Transient(err)
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrChatNotFound):
		return delivery.Permanent(err)
	}

	if code := statusCode(err); code != 0 {
		switch {
		case code == 403:
			return delivery.Permanent(err)
		case code == 429, code >= 500:
			return delivery.Transient(err)
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "retry after") || strings.Contains(msg, "too many requests") {
		return delivery.Transient(err)
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return delivery.Transient(err)
	}
	return err
}

func statusCode(err error) int {
	var te *tele.Error
	if errors.As(err, &te) && te.Code != 0 {
		return te.Code
	}
	m := statusSuffix.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

// splitText cuts s into chunks of at most limit runes, preferring newlines.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, string(rs[start:end]))
		start = end
	}
	return out
}
