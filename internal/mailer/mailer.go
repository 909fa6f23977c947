// Package mailer renders follow-up emails and saves them as Gmail drafts.
package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"net/mail"
	"strings"
	"text/template"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/MikeSquared-Agency/dealflow/internal/domain"
)

const maxListItems = 5

var bodyTmpl = template.Must(template.New("body").Parse(`Hi {{.Greeting}},

Thank you for taking the time to meet and walk me through {{.Company}}.
{{- if .KeyPoints}}

A few things that stood out from our conversation:
{{- range .KeyPoints}}
- {{.}}
{{- end}}
{{- end}}
{{- if .WaysToHelp}}

Some ways we might be able to help:
{{- range .WaysToHelp}}
- {{.}}
{{- end}}
{{- end}}
{{- if .ActionItems}}

Next steps on our side:
{{- range .ActionItems}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Generic}}

I enjoyed learning more about what you are building and would love to stay in touch as things progress. Please keep me posted on how things develop.
{{- end}}

Best regards,
{{.FromName}}
`))

type bodyData struct {
	Greeting    string
	Company     string
	KeyPoints   []string
	WaysToHelp  []string
	ActionItems []string
	Generic     bool
	FromName    string
}

type Mailer struct {
	svc       *gmail.Service
	fromEmail string
	fromName  string
	logger    *slog.Logger
}

func New(svc *gmail.Service, fromEmail, fromName string, logger *slog.Logger) *Mailer {
	return &Mailer{svc: svc, fromEmail: fromEmail, fromName: fromName, logger: logger}
}

// Render builds the follow-up without touching Gmail.
func (m *Mailer) Render(rec domain.ExtractedRecord, deal domain.DealRecord) (domain.EmailDraft, error) {
	company := rec.Company()
	if company == "" {
		company = deal.CompanyName
	}
	subjectName := company
	if subjectName == "" {
		company = "your company"
		subjectName = rec.Founder()
	}

	data := bodyData{
		Greeting:    firstName(rec.Founder()),
		Company:     company,
		KeyPoints:   limit(rec.KeyPoints),
		WaysToHelp:  limit(rec.WaysToHelp),
		ActionItems: limit(rec.ActionItems),
		Generic:     !rec.HasPoints(),
		FromName:    m.fromName,
	}

	var buf bytes.Buffer
	if err := bodyTmpl.Execute(&buf, data); err != nil {
		return domain.EmailDraft{}, fmt.Errorf("render email: %w", err)
	}

	return domain.EmailDraft{
		Subject: "Great meeting you - " + subjectName,
		Body:    buf.String(),
		To:      rec.Email(),
		From:    (&mail.Address{Name: m.fromName, Address: m.fromEmail}).String(),
	}, nil
}

// Draft renders the follow-up and saves it as an unsent Gmail draft.
func (m *Mailer) Draft(ctx context.Context, rec domain.ExtractedRecord, deal domain.DealRecord) (domain.EmailDraft, error) {
	draft, err := m.Render(rec, deal)
	if err != nil {
		return domain.EmailDraft{}, fmt.Errorf("%w: %v", domain.ErrDraftCreation, err)
	}

	raw := base64.URLEncoding.EncodeToString(buildMessage(draft, time.Now()))
	created, err := m.svc.Users.Drafts.Create("me", &gmail.Draft{
		Message: &gmail.Message{Raw: raw},
	}).Context(ctx).Do()
	if err != nil {
		return draft, fmt.Errorf("%w: %v", domain.ErrDraftCreation, err)
	}

	draft.DraftID = created.Id
	m.logger.Info("draft created", "draft_id", created.Id, "to", draft.To, "subject", draft.Subject)
	return draft, nil
}

// Ping reads the mailbox profile.
func (m *Mailer) Ping(ctx context.Context) error {
	if _, err := m.svc.Users.GetProfile("me").Context(ctx).Do(); err != nil {
		return fmt.Errorf("gmail ping: %w", err)
	}
	return nil
}

func buildMessage(d domain.EmailDraft, now time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", d.From)
	if d.To != "" {
		fmt.Fprintf(&b, "To: %s\r\n", d.To)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", d.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(strings.ReplaceAll(d.Body, "\n", "\r\n"))
	return b.Bytes()
}

func firstName(full string) string {
	if f := strings.Fields(full); len(f) > 0 {
		return f[0]
	}
	return "there"
}

func limit(items []string) []string {
	if len(items) > maxListItems {
		return items[:maxListItems]
	}
	return items
}
