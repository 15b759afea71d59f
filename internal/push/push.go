// Package push delivers web push notifications to stored subscriptions.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/config"
	"horse.fit/newsloom/internal/db"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeExpired Outcome = "expired"
	OutcomeError   Outcome = "error"
)

// Transport sends one payload to one subscription.
type Transport interface {
	Send(ctx context.Context, sub db.PushSubscriptionRow, payload []byte) (Outcome, error)
}

// WebPushTransport signs requests with VAPID keys.
type WebPushTransport struct {
	options webpush.Options
}

func NewWebPushTransport(cfg config.Push, client *http.Client) *WebPushTransport {
	opts := webpush.Options{
		Subscriber:      cfg.Subscriber,
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		TTL:             12 * 60 * 60,
		Urgency:         webpush.UrgencyNormal,
	}
	if client != nil {
		opts.HTTPClient = client
	}
	return &WebPushTransport{options: opts}
}

func (t *WebPushTransport) Send(ctx context.Context, sub db.PushSubscriptionRow, payload []byte) (Outcome, error) {
	opts := t.options
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256DH,
		},
	}, &opts)
	if err != nil {
		return OutcomeError, fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return classify(resp.StatusCode)
}

func classify(status int) (Outcome, error) {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess, nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return OutcomeExpired, nil
	default:
		return OutcomeError, fmt.Errorf("push service status %d", status)
	}
}

type Store interface {
	ListPushSubscriptions(ctx context.Context, accountID int64) ([]db.PushSubscriptionRow, error)
	DeletePushSubscription(ctx context.Context, subscriptionID int64) error
}

// Message is the JSON payload handed to the service worker.
type Message struct {
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	URL       string `json:"url,omitempty"`
	DigestID  int64  `json:"digest_id,omitempty"`
	ClusterID int64  `json:"cluster_id,omitempty"`
}

// Report counts outcomes of one fan-out.
type Report struct {
	Sent    int
	Expired int
	Failed  int
}

// Notifier fans a message out to every subscription of an account. Expired
// subscriptions are deleted; other failures are counted and logged.
type Notifier struct {
	store     Store
	transport Transport
	logger    zerolog.Logger
}

// NewNotifier returns nil when transport is nil so callers can treat push as
// optional.
func NewNotifier(store Store, transport Transport, logger zerolog.Logger) *Notifier {
	if transport == nil {
		return nil
	}
	return &Notifier{store: store, transport: transport, logger: logger}
}

func (n *Notifier) Notify(ctx context.Context, accountID int64, msg Message) (Report, error) {
	var report Report
	if n == nil {
		return report, nil
	}
	subs, err := n.store.ListPushSubscriptions(ctx, accountID)
	if err != nil {
		return report, fmt.Errorf("list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return report, nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return report, fmt.Errorf("encode push payload: %w", err)
	}

	for _, sub := range subs {
		outcome, err := n.transport.Send(ctx, sub, payload)
		switch outcome {
		case OutcomeSuccess:
			report.Sent++
		case OutcomeExpired:
			report.Expired++
			if err := n.store.DeletePushSubscription(ctx, sub.SubscriptionID); err != nil {
				n.logger.Warn().Err(err).Int64("subscription_id", sub.SubscriptionID).Msg("delete expired push subscription failed")
			}
		default:
			report.Failed++
			n.logger.Warn().Err(err).Int64("account_id", accountID).Int64("subscription_id", sub.SubscriptionID).Msg("push send failed")
		}
	}
	return report, nil
}

// NotifyDigest announces a stored digest.
func (n *Notifier) NotifyDigest(ctx context.Context, accountID, digestID int64, entries int) error {
	_, err := n.Notify(ctx, accountID, Message{
		Kind:     "digest",
		Title:    "Your digest is ready",
		Body:     fmt.Sprintf("%d stories since your last digest", entries),
		DigestID: digestID,
	})
	return err
}

// NotifyBreakout announces a muted story that broke out.
func (n *Notifier) NotifyBreakout(ctx context.Context, accountID, clusterID int64, title, url string) error {
	_, err := n.Notify(ctx, accountID, Message{
		Kind:      "breakout",
		Title:     "Breaking through your filters",
		Body:      title,
		URL:       url,
		ClusterID: clusterID,
	})
	return err
}
