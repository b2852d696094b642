package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"LeadNurture/internal/config"
	"LeadNurture/internal/domain"
)

// Reddit error codes that will not clear on retry.
var redditPermanent = map[string]bool{
	"USER_DOESNT_EXIST":               true,
	"NOT_WHITELISTED_BY_USER_MESSAGE": true,
	"USER_BLOCKED_MESSAGE":            true,
}

// Reddit sends private messages through the OAuth API.
type Reddit struct {
	endpoint  string
	token     string
	userAgent string
	subject   string
	http      *http.Client
	logger    *slog.Logger
}

var _ Sender = (*Reddit)(nil)

func NewReddit(cfg config.RedditConfig) (*Reddit, error) {
	if cfg.Endpoint == "" || cfg.Token == "" {
		return nil, fmt.Errorf("reddit channel needs endpoint and token")
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "leadnurture/1.0"
	}
	return &Reddit{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		token:     cfg.Token,
		userAgent: ua,
		subject:   cfg.Subject,
		http:      &http.Client{Timeout: 15 * time.Second},
		logger:    slog.New(slog.DiscardHandler),
	}, nil
}

// WithLogger sets the logger used for accepted but unreadable responses.
func (r *Reddit) WithLogger(logger *slog.Logger) *Reddit {
	if logger != nil {
		r.logger = logger
	}
	return r
}

func (r *Reddit) Channel() domain.Channel { return domain.ChannelReddit }

func (r *Reddit) Send(ctx context.Context, msg Message) (domain.Receipt, error) {
	to := strings.TrimPrefix(strings.TrimSpace(msg.Touchpoint.Lead.RedditUser), "u/")
	if to == "" {
		return domain.Receipt{}, permanent("lead %s has no reddit username", msg.Touchpoint.Lead.ID)
	}

	subject := r.subject
	if subject == "" {
		subject = msg.Subject
	}
	form := url.Values{}
	form.Set("api_type", "json")
	form.Set("to", to)
	form.Set("subject", subject)
	form.Set("text", msg.Body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/api/compose", strings.NewReader(form.Encode()))
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.http.Do(req)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return domain.Receipt{}, fmt.Errorf("reddit: %w", err)
	}

	var out struct {
		JSON struct {
			Errors [][]string `json:"errors"`
		} `json:"json"`
	}
	// The API accepted the request; resending would duplicate the message.
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		r.logger.Warn("reddit accepted message with unreadable response", "to", to, "status", resp.StatusCode, "error", err)
		return domain.Receipt{}, nil
	}
	if len(out.JSON.Errors) > 0 && len(out.JSON.Errors[0]) > 0 {
		code := out.JSON.Errors[0][0]
		if redditPermanent[code] {
			return domain.Receipt{}, permanent("reddit refused message to %s (%s)", to, code)
		}
		return domain.Receipt{}, fmt.Errorf("reddit refused message to %s (%s)", to, code)
	}
	return domain.Receipt{}, nil
}
