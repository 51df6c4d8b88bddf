// Package mailer renders and sends the maintainer-facing failure and
// batch-summary mail: per-kind subject templates, ANSI-stripped
// HTML bodies, and a head-and-tail truncation past a size cap.
package mailer

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"html/template"
	"net/smtp"
	"regexp"
	"strings"
	textTemplate "text/template"
)

// maxBodyBytes matches lilac2/mail.py's 5 MiB cap before truncating.
const maxBodyBytes = 5 * 1024 * 1024

// headTailBytes is how much of the head and tail survive truncation.
const headTailBytes = 1024 * 1024

var ansiEscape = regexp.MustCompile(`\x1b(\[[0-?]*[ -/]*[@-~]|\(B)`)

// Kind selects the subject template for one failure class, mirroring
// lilac2/worker.py's per-exception subject strings.
type Kind string

const (
	KindBuildFailed     Kind = "build_failed"
	KindOlderThanRepo   Kind = "older_than_repo"
	KindMissingDepend   Kind = "missing_depend"
	KindOfficialConflict Kind = "official_conflict"
	KindUnknownError    Kind = "unknown_error"
)

var subjectTemplates = map[Kind]*textTemplate.Template{
	KindBuildFailed:      textTemplate.Must(textTemplate.New("s").Parse("{{.Pkgbase}} failed to build")),
	KindOlderThanRepo:    textTemplate.Must(textTemplate.New("s").Parse("{{.Pkgbase}} is older than packaged version")),
	KindMissingDepend:    textTemplate.Must(textTemplate.New("s").Parse("dependency missing for {{.Pkgbase}}")),
	KindOfficialConflict: textTemplate.Must(textTemplate.New("s").Parse("{{.Pkgbase}} conflicts with the official repository")),
	KindUnknownError:     textTemplate.Must(textTemplate.New("s").Parse("unknown error building {{.Pkgbase}}")),
}

var bodyTemplate = template.Must(template.New("body").Parse(`<html><body>
<h3>{{.Subject}}</h3>
<pre>{{.Body}}</pre>
</body></html>`))

// Config holds SMTP connection details, mirroring lilac2/mail.py's
// [smtp] config section.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	UseSSL   bool
	From     string
	Tag      string // bracketed and prefixed onto every subject, e.g. "lilac-bot" gives "[lilac-bot] "
	Send     bool   // false disables actually dialing out, as lilac2's send_email does
}

// Mailer renders and delivers mail for the scheduler and build worker.
type Mailer struct {
	cfg Config
}

// New returns a Mailer for cfg.
func New(cfg Config) *Mailer {
	return &Mailer{cfg: cfg}
}

// subjectData is the template context for subject rendering.
type subjectData struct {
	Pkgbase string
}

// Render builds the subject and HTML body for one failure report.
func (m *Mailer) Render(kind Kind, pkgbase, rawBody string) (subject, body string, err error) {
	tmpl, ok := subjectTemplates[kind]
	if !ok {
		tmpl = subjectTemplates[KindUnknownError]
	}
	var subjBuf bytes.Buffer
	if err := tmpl.Execute(&subjBuf, subjectData{Pkgbase: pkgbase}); err != nil {
		return "", "", fmt.Errorf("rendering subject: %w", err)
	}
	subject = subjBuf.String()

	cleaned := ansiEscape.ReplaceAllString(rawBody, "")
	cleaned = truncate(cleaned)

	var bodyBuf bytes.Buffer
	if err := bodyTemplate.Execute(&bodyBuf, struct{ Subject, Body string }{subject, cleaned}); err != nil {
		return "", "", fmt.Errorf("rendering body: %w", err)
	}
	return subject, bodyBuf.String(), nil
}

// truncate keeps the head and tail of msg when it exceeds maxBodyBytes,
// exactly as lilac2/mail.py does for build logs.
func truncate(msg string) string {
	if len(msg) <= maxBodyBytes {
		return msg
	}
	return msg[:headTailBytes] + "\n\n--- log truncated ---\n\n" + msg[len(msg)-headTailBytes:]
}

// Send delivers one rendered mail to the given recipients. A no-op when
// cfg.Send is false.
func (m *Mailer) Send(to []string, subject, htmlBody string) error {
	if !m.cfg.Send {
		return nil
	}
	if m.cfg.Tag != "" {
		subject = fmt.Sprintf("[%s] %s", m.cfg.Tag, subject)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	if m.cfg.UseSSL {
		if err := m.sendOverImplicitTLS(addr, auth, to, msg.Bytes()); err != nil {
			return fmt.Errorf("sending mail to %v: %w", to, err)
		}
		return nil
	}
	if err := smtp.SendMail(addr, auth, m.cfg.From, to, msg.Bytes()); err != nil {
		return fmt.Errorf("sending mail to %v: %w", to, err)
	}
	return nil
}

// sendOverImplicitTLS delivers a message the way lilac2/mail.py's
// smtplib.SMTP_SSL does: the TLS handshake happens before any SMTP
// command is sent, rather than via a STARTTLS upgrade.
func (m *Mailer) sendOverImplicitTLS(addr string, auth smtp.Auth, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.cfg.Host})
	if err != nil {
		return fmt.Errorf("dialing TLS: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authenticating: %w", err)
		}
	}
	if err := client.Mail(m.cfg.From); err != nil {
		return err
	}
	for _, addr := range to {
		if err := client.Rcpt(addr); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// BatchSummary renders the aggregate end-of-batch mail listing per-state
// pkgbase counts, distinct from per-package failure mail.
func (m *Mailer) BatchSummary(done, failed, skipped []string) (subject, body string) {
	subject = "lilac batch summary"
	var b strings.Builder
	fmt.Fprintf(&b, "done (%d): %s\n\n", len(done), strings.Join(done, ", "))
	fmt.Fprintf(&b, "failed (%d): %s\n\n", len(failed), strings.Join(failed, ", "))
	fmt.Fprintf(&b, "skipped (%d): %s\n\n", len(skipped), strings.Join(skipped, ", "))
	return subject, b.String()
}
