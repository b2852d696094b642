package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"LeadNurture/internal/config"
	"LeadNurture/internal/domain"
)

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email delivers touchpoints as multipart/alternative mail over SMTP.
type Email struct {
	addr     string
	host     string
	from     string
	auth     smtp.Auth
	sendMail SendMailFunc
}

var _ Sender = (*Email)(nil)

// NewEmail builds an SMTP sender. Auth is skipped when no username is configured.
func NewEmail(cfg config.EmailConfig) (*Email, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("email channel needs host and from")
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	e := &Email{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		host:     cfg.Host,
		from:     cfg.From,
		sendMail: smtp.SendMail,
	}
	if cfg.Username != "" {
		e.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return e, nil
}

// WithSendMail swaps the SMTP transport (tests).
func (e *Email) WithSendMail(fn SendMailFunc) *Email {
	e.sendMail = fn
	return e
}

func (e *Email) Channel() domain.Channel { return domain.ChannelEmail }

func (e *Email) Send(ctx context.Context, msg Message) (domain.Receipt, error) {
	to := strings.TrimSpace(msg.Touchpoint.Lead.Email)
	if to == "" || !strings.Contains(to, "@") {
		return domain.Receipt{}, permanent("lead %s has no usable email address", msg.Touchpoint.Lead.ID)
	}

	raw, err := e.build(to, msg)
	if err != nil {
		return domain.Receipt{}, err
	}

	// net/smtp has no context support; the send finishes in the background if ctx ends first.
	done := make(chan error, 1)
	go func() { done <- e.sendMail(e.addr, e.auth, e.from, []string{to}, raw) }()

	select {
	case err := <-done:
		if err != nil {
			var tpErr *textproto.Error
			if errors.As(err, &tpErr) {
				switch {
				case tpErr.Code == 530 || tpErr.Code == 534 || tpErr.Code == 535:
					return domain.Receipt{}, fmt.Errorf("smtp authentication: %w", errors.Join(err, domain.ErrChannelUnavailable))
				case tpErr.Code >= 500:
					return domain.Receipt{}, fmt.Errorf("smtp rejected %s: %w", to, errors.Join(err, domain.ErrPermanentDelivery))
				}
			}
			return domain.Receipt{}, fmt.Errorf("smtp send: %w", err)
		}
		return domain.Receipt{}, nil
	case <-ctx.Done():
		return domain.Receipt{}, ctx.Err()
	}
}

func (e *Email) build(to string, msg Message) ([]byte, error) {
	textBody, htmlBody := msg.Body, ""
	if looksLikeHTML(msg.Body) {
		htmlBody = msg.Body
		text, err := htmlToText(msg.Body)
		if err != nil {
			return nil, err
		}
		textBody = text
	} else {
		htmlBody = textToHTML(msg.Body)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", e.from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())

	for _, part := range []struct{ contentType, body string }{
		{"text/plain; charset=utf-8", textBody},
		{"text/html; charset=utf-8", htmlBody},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			return nil, fmt.Errorf("create mime part: %w", err)
		}
		if _, err := w.Write([]byte(part.body)); err != nil {
			return nil, fmt.Errorf("write mime part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mime writer: %w", err)
	}
	return buf.Bytes(), nil
}

func looksLikeHTML(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "<") && strings.Contains(s, ">")
}

func textToHTML(s string) string {
	var b strings.Builder
	for _, para := range strings.Split(strings.TrimSpace(s), "\n\n") {
		fmt.Fprintf(&b, "<p>%s</p>\n", strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
	}
	return b.String()
}

// htmlToText renders an HTML body as readable plain text, keeping link targets.
func htmlToText(body string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html body: %w", err)
	}

	doc.Find("script, style, head").Remove()
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href != "" && strings.TrimSpace(s.Text()) != href {
			s.AppendHtml(" (" + html.EscapeString(href) + ")")
		}
	})
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, tr, h1, h2, h3, h4").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}
