// Package notify sends web push notifications about new messages to participants
// that have no live connection.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"parley/internal/content"
	"parley/internal/metrics"
	"parley/internal/models"

	"github.com/SherClockHolmes/webpush-go"
)

type Subscriptions interface {
	PushSubscriptions(profileID string) ([]models.PushSubscription, error)
	RemovePushSubscription(profileID, endpoint string) error
}

// Sender delivers one payload to one subscription and returns the push service's
// HTTP status.
type Sender interface {
	Send(ctx context.Context, sub models.PushSubscription, payload []byte) (int, error)
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int // seconds the push service keeps an undelivered notification
	QueueSize       int
	PreviewLength   int
}

// WebPushSender signs requests with the configured VAPID key pair.
type WebPushSender struct {
	options webpush.Options
}

func NewWebPushSender(config Config) *WebPushSender {
	return &WebPushSender{
		options: webpush.Options{
			Subscriber:      config.Subscriber,
			VAPIDPublicKey:  config.VAPIDPublicKey,
			VAPIDPrivateKey: config.VAPIDPrivateKey,
			TTL:             config.TTL,
			Urgency:         webpush.UrgencyNormal,
		},
	}
}

func (s *WebPushSender) Send(ctx context.Context, sub models.PushSubscription, payload []byte) (int, error) {
	opts := s.options
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &opts)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Payload is the JSON body a service worker receives.
type Payload struct {
	Title           string                 `json:"title"`
	Body            string                 `json:"body"`
	MessageID       string                 `json:"messageId"`
	ConversationKey models.ConversationKey `json:"conversationKey"`
}

type job struct {
	profileID string
	payload   Payload
}

// Notifier queues notifications and sends them from Run, so fan-out never waits on
// a push service.
type Notifier struct {
	subs          Subscriptions
	sender        Sender
	queue         chan job
	previewLength int
}

func New(subs Subscriptions, sender Sender, config Config) *Notifier {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.PreviewLength <= 0 {
		config.PreviewLength = 120
	}
	return &Notifier{
		subs:          subs,
		sender:        sender,
		queue:         make(chan job, config.QueueSize),
		previewLength: config.PreviewLength,
	}
}

// Notify queues a notification about msg for profileID. It never blocks; when the
// queue is full the notification is dropped.
func (n *Notifier) Notify(ctx context.Context, profileID string, msg models.Message) {
	body := content.Preview(msg.Content, n.previewLength)
	if body == "" && len(msg.Attachments) > 0 {
		body = msg.Attachments[0].FileName
	}
	j := job{
		profileID: profileID,
		payload: Payload{
			Title:           msg.SenderID,
			Body:            body,
			MessageID:       msg.ID,
			ConversationKey: msg.ConversationKey,
		},
	}
	select {
	case n.queue <- j:
	case <-ctx.Done():
	default:
		metrics.PushNotifications.WithLabelValues("dropped").Inc()
	}
}

// Run sends queued notifications until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case j := <-n.queue:
			n.deliver(ctx, j)
		case <-ctx.Done():
			return nil
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, j job) {
	subs, err := n.subs.PushSubscriptions(j.profileID)
	if err != nil {
		slog.Error("failed to load push subscriptions", "profile_id", j.profileID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(j.payload)
	if err != nil {
		slog.Error("failed to encode push payload", "error", err)
		return
	}

	for _, sub := range subs {
		status, err := n.sender.Send(ctx, sub, payload)
		switch {
		case err != nil:
			metrics.PushNotifications.WithLabelValues("error").Inc()
			slog.Warn("push notification failed", "profile_id", j.profileID, "error", err)
		case status == http.StatusGone || status == http.StatusNotFound:
			metrics.PushNotifications.WithLabelValues("expired").Inc()
			if err := n.subs.RemovePushSubscription(j.profileID, sub.Endpoint); err != nil {
				slog.Error("failed to remove expired subscription", "profile_id", j.profileID, "error", err)
			}
		case status >= 300:
			metrics.PushNotifications.WithLabelValues("error").Inc()
			slog.Warn("push service rejected notification", "profile_id", j.profileID, "status", status)
		default:
			metrics.PushNotifications.WithLabelValues("sent").Inc()
		}
	}
}

// GenerateKeys returns a fresh VAPID key pair.
func GenerateKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate VAPID keys: %w", err)
	}
	return publicKey, privateKey, nil
}
