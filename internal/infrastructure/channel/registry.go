// Package channel delivers touchpoints over email, WhatsApp and Reddit.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"LeadNurture/internal/domain"
	"LeadNurture/internal/ports"
)

// Message is a composed touchpoint ready for delivery.
type Message struct {
	Touchpoint domain.Touchpoint
	Subject    string
	Body       string
}

// Sender captures a single channel implementation.
type Sender interface {
	Channel() domain.Channel
	Send(ctx context.Context, msg Message) (domain.Receipt, error)
}

// Registry keeps a mapping from channels to their senders.
type Registry struct {
	senders map[domain.Channel]Sender
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{senders: map[domain.Channel]Sender{}}
}

// Register adds or replaces a sender implementation.
func (r *Registry) Register(sender Sender) {
	if r.senders == nil {
		r.senders = map[domain.Channel]Sender{}
	}
	r.senders[sender.Channel()] = sender
}

// Resolve returns the sender for a channel or an error if it is absent.
func (r *Registry) Resolve(ch domain.Channel) (Sender, error) {
	if sender, ok := r.senders[ch]; ok {
		return sender, nil
	}
	return nil, fmt.Errorf("channel %s is not configured: %w", ch, domain.ErrChannelUnavailable)
}

// Router implements ports.Messenger over a Registry.
type Router struct {
	registry *Registry
	composer ports.Composer
	logger   *slog.Logger
}

var _ ports.Messenger = (*Router)(nil)

// NewRouter wires the registry; composer may be nil, in which case templates are used.
func NewRouter(registry *Registry, composer ports.Composer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{registry: registry, composer: composer, logger: logger}
}

// Send composes the touchpoint and hands it to the stage's channel.
func (r *Router) Send(ctx context.Context, tp domain.Touchpoint) (domain.Receipt, error) {
	sender, err := r.registry.Resolve(tp.Channel)
	if err != nil {
		return domain.Receipt{}, err
	}

	msg := Message{Touchpoint: tp, Subject: Subject(tp), Body: Body(tp)}
	if r.composer != nil {
		body, err := r.composer.Compose(ctx, tp)
		switch {
		case err != nil:
			r.logger.Warn("compose failed, using template", "sequence", tp.SequenceID, "error", err)
		case strings.TrimSpace(body) != "":
			msg.Body = body
		}
	}

	return sender.Send(ctx, msg)
}

// statusError turns a non-2xx response into an error. 401 and 403 mean the
// channel credentials are bad, not the recipient. Other 4xx except 408 and 429
// are permanent for the message.
func statusError(resp *http.Response) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return errors.Join(err, domain.ErrChannelUnavailable)
	case resp.StatusCode >= http.StatusInternalServerError,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return err
	default:
		return errors.Join(err, domain.ErrPermanentDelivery)
	}
}

func permanent(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, domain.ErrPermanentDelivery)...)
}
