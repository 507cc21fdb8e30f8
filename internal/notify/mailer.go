// Package notify delivers the out-of-band incident email to the workshop
// administrator.
package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/toolcrib-dev/toolcrib/internal/config"
	"github.com/toolcrib-dev/toolcrib/internal/model"
)

type SMTPMailer struct {
	host     string
	port     int
	from     string
	password string
	to       string
}

func NewSMTPMailer(cfg config.Config) *SMTPMailer {
	return &SMTPMailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		from:     cfg.EmailFrom,
		password: cfg.EmailPassword,
		to:       cfg.AdminEmail,
	}
}

// Enabled reports whether the mailer has everything it needs to send.
func (m *SMTPMailer) Enabled() bool {
	return m != nil && m.host != "" && m.from != "" && m.to != ""
}

// SendIncident implements session.Mailer. A partially configured mailer
// silently declines rather than failing the incident flow.
func (m *SMTPMailer) SendIncident(_ context.Context, inc model.Incident) error {
	if !m.Enabled() {
		return nil
	}
	reported := inc.ReportedAt
	if reported.IsZero() {
		reported = time.Now().UTC()
	}
	items := strings.Join(inc.Items, ", ")
	if items == "" {
		items = "(none listed)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.from)
	fmt.Fprintf(&b, "To: %s\r\n", m.to)
	fmt.Fprintf(&b, "Subject: Tool crib incident: %s (tray %d)\r\n", inc.Kind, inc.Tray)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "Incident:    %s\r\n", inc.IncidentID)
	fmt.Fprintf(&b, "Kind:        %s\r\n", inc.Kind)
	fmt.Fprintf(&b, "Tray:        %d\r\n", inc.Tray)
	fmt.Fprintf(&b, "Items:       %s\r\n", items)
	fmt.Fprintf(&b, "Responsible: %s\r\n", inc.UserName)
	fmt.Fprintf(&b, "Reported:    %s\r\n", reported.Format(time.RFC3339))

	addr := net.JoinHostPort(m.host, strconv.Itoa(m.port))
	auth := smtp.PlainAuth("", m.from, m.password, m.host)
	if err := smtp.SendMail(addr, auth, m.from, []string{m.to}, []byte(b.String())); err != nil {
		return fmt.Errorf("send incident mail: %w", err)
	}
	return nil
}
