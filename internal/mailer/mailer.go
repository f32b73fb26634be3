// Package mailer renders per-shop email templates and delivers them through
// Postmark. Delivery failures are permanent unless the transport itself
// failed; the idempotency ledger above this layer is what prevents duplicate
// sends across retries.
package mailer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"shopflow/internal/log"
	"shopflow/internal/taskerr"

	"github.com/mrz1836/postmark"
)

// Template keys used by the order and workshop flows.
const (
	TemplateNorthern             = "northern_subscription"
	TemplateSouthern             = "southern_subscription"
	TemplateWorkshop             = "workshop_email"
	TemplateWorkshopNotification = "workshop_notification"
	TemplateWorkshopRegistrant   = "workshop_registrant"
)

type Template struct {
	Key     string
	Title   string
	Subject string
	HTML    string
}

type SendResult struct {
	MessageID string `json:"message_id"`
}

// Sender is the delivery transport. Satisfied by *postmark.Client.
type Sender interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

type Mailer struct {
	db     *sql.DB
	sender Sender
	from   string
	logger *log.Logger
}

func New(db *sql.DB, sender Sender, from string, logger *log.Logger) *Mailer {
	return &Mailer{db: db, sender: sender, from: from, logger: logger}
}

// NewPostmark wires the Postmark transport.
func NewPostmark(db *sql.DB, serverToken, accountToken, from string, logger *log.Logger) *Mailer {
	return New(db, postmark.NewClient(serverToken, accountToken), from, logger)
}

func (m *Mailer) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS email_templates (
            id BIGSERIAL PRIMARY KEY,
            shop VARCHAR(255) NOT NULL,
            template_key VARCHAR(64) NOT NULL,
            title VARCHAR(128) NOT NULL,
            subject VARCHAR(255) NOT NULL,
            html TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CONSTRAINT uq_templates_shop_key UNIQUE (shop, template_key)
        );
    `)
	if err != nil {
		return fmt.Errorf("ensure email_templates schema: %w", err)
	}
	return nil
}

func (m *Mailer) GetTemplate(ctx context.Context, shop, key string) (Template, error) {
	var t Template
	err := m.db.QueryRowContext(ctx, `
        SELECT template_key, title, subject, html
        FROM email_templates
        WHERE shop = $1 AND template_key = $2
        LIMIT 1
    `, shop, key).Scan(&t.Key, &t.Title, &t.Subject, &t.HTML)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, taskerr.NewPermanent(fmt.Errorf("email template not found: %s", key))
	}
	if err != nil {
		return Template{}, fmt.Errorf("get template %s/%s: %w", shop, key, err)
	}
	return t, nil
}

// SendTemplate renders the shop's template with {{variable}} substitution
// and sends it.
func (m *Mailer) SendTemplate(ctx context.Context, shop, templateKey, toEmail string, vars map[string]string) (SendResult, error) {
	t, err := m.GetTemplate(ctx, shop, templateKey)
	if err != nil {
		return SendResult{}, err
	}

	subject := ReplaceVariables(t.Subject, vars)
	html := ReplaceVariables(t.HTML, vars)

	m.logger.Infow("Sending template email",
		"shop", shop, "template", templateKey, "to", toEmail, "subject", subject)

	resp, err := m.sender.SendEmail(ctx, postmark.Email{
		From:     m.from,
		To:       toEmail,
		Subject:  subject,
		HTMLBody: html,
		Tag:      templateKey,
	})
	if err != nil {
		return SendResult{}, taskerr.NewTransient(fmt.Errorf("send %s to %s: %w", templateKey, toEmail, err))
	}
	if resp.ErrorCode > 0 {
		return SendResult{}, taskerr.NewPermanent(
			fmt.Errorf("postmark error %d: %s", resp.ErrorCode, resp.Message))
	}
	return SendResult{MessageID: resp.MessageID}, nil
}

// ReplaceVariables substitutes {{key}} placeholders for every provided
// variable. Placeholders without a matching variable are left as-is.
func ReplaceVariables(text string, vars map[string]string) string {
	if text == "" {
		return text
	}
	out := text
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}

// FormatWorkshopTime renders the two human-readable fragments the workshop
// templates use.
func FormatWorkshopTime(at time.Time) (date, clock string) {
	return at.Format("Monday, 2 January 2006"), at.Format("15:04")
}
