package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"LeadNurture/internal/config"
	"LeadNurture/internal/domain"
)

// WhatsApp sends text messages through the WhatsApp Business Cloud API.
type WhatsApp struct {
	endpoint      string
	phoneNumberID string
	token         string
	http          *http.Client
}

var _ Sender = (*WhatsApp)(nil)

func NewWhatsApp(cfg config.WhatsAppConfig) (*WhatsApp, error) {
	if cfg.Endpoint == "" || cfg.PhoneNumberID == "" || cfg.Token == "" {
		return nil, fmt.Errorf("whatsapp channel needs endpoint, phoneNumberId and token")
	}
	return &WhatsApp{
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		phoneNumberID: cfg.PhoneNumberID,
		token:         cfg.Token,
		http:          &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (w *WhatsApp) Channel() domain.Channel { return domain.ChannelWhatsApp }

func (w *WhatsApp) Send(ctx context.Context, msg Message) (domain.Receipt, error) {
	to := digits(msg.Touchpoint.Lead.Phone)
	if len(to) < 7 {
		return domain.Receipt{}, permanent("lead %s has no usable phone number", msg.Touchpoint.Lead.ID)
	}

	body, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": msg.Body},
	})
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("marshal whatsapp payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", w.endpoint, w.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return domain.Receipt{}, fmt.Errorf("whatsapp: %w", err)
	}
	return domain.Receipt{}, nil
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
