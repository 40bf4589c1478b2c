package dispatch

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"studiobot/internal/directory"
	"studiobot/internal/reminder"
	"studiobot/internal/storage"
)

// ErrNoTemplate is a programming error: a job kind without a message template.
var ErrNoTemplate = errors.New("dispatch: no template for job kind")

const statsTemplate = "weekly_stats"

var templateText = map[string]string{
	string(reminder.KindClassReminder): `🧘 Class reminder

Hi, {{.Client.Name}}!
Your {{.ClassType}} class is on {{when .ClassStart}}.

See you on the mat! 🌟`,

	string(reminder.KindSubscriptionExpiry): `⏳ Your subscription expires soon

Hi, {{.Client.Name}}!
Your subscription ends on {{date .Subscription.EndDate}}.
Classes left: {{.Subscription.Remaining}}

Renew it to keep your practice going. Contact us: /contact`,

	statsTemplate: `📊 Reminder stats since {{date .Since}}

Total: {{.Total}}
{{- range $state, $n := .ByState}}
{{$state}}: {{$n}}
{{- end}}
Needed a retry: {{.Retried}}`,
}

// view is the data a reminder template renders from.
type view struct {
	Client       directory.Client
	Subscription directory.Subscription
	ClassStart   time.Time
	ClassType    string
}

type renderer struct {
	tmpl      *template.Template
	signature string
}

func newRenderer(loc *time.Location, signature string, overrides map[string]string) (*renderer, error) {
	if loc == nil {
		loc = time.Local
	}
	funcs := template.FuncMap{
		"when": func(t time.Time) string { return t.In(loc).Format("02.01.2006 at 15:04") },
		"date": func(t time.Time) string { return t.In(loc).Format("02.01.2006") },
	}
	root := template.New("reminders").Funcs(funcs).Option("missingkey=error")
	for name, text := range templateText {
		if o, ok := overrides[name]; ok {
			text = o
		}
		if _, err := root.New(name).Parse(text); err != nil {
			return nil, fmt.Errorf("template %s: %w", name, err)
		}
	}
	return &renderer{tmpl: root, signature: strings.TrimSpace(signature)}, nil
}

func (r *renderer) render(name string, data any) (string, error) {
	t := r.tmpl.Lookup(name)
	if t == nil {
		return "", fmt.Errorf("%w: %s", ErrNoTemplate, name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	body := strings.TrimSpace(buf.String())
	if r.signature != "" {
		body += "\n\n" + r.signature
	}
	return body, nil
}

func (r *renderer) stats(st storage.Stats) (string, error) {
	return r.render(statsTemplate, st)
}
