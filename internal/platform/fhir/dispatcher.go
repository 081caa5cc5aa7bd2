package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// deliveryTimeout bounds one delivery attempt.
const deliveryTimeout = 30 * time.Second

// ChatSender posts a markdown message to a chat endpoint. The endpoint is
// the subscription's channel endpoint ("stream-name" or "user@host" style).
type ChatSender interface {
	Post(endpoint, topic, content string) error
}

// Dispatcher delivers notifications over the wired channels. Event and
// heartbeat deliveries run asynchronously; handshakes run inline. Close
// drains in-flight deliveries.
type Dispatcher struct {
	client           *http.Client
	chat             ChatSender
	FailureThreshold int
	log              zerolog.Logger
	wg               sync.WaitGroup
}

// NewDispatcher builds a dispatcher. chat may be nil, in which case
// chat-webhook deliveries record errors.
func NewDispatcher(chat ChatSender, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		client:           &http.Client{Timeout: deliveryTimeout},
		chat:             chat,
		FailureThreshold: defaultFailureThreshold,
		log:              log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch delivers n asynchronously, recording the result on the
// subscription.
func (d *Dispatcher) Dispatch(n *Notification) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(n)
	}()
}

// Handshake delivers the handshake bundle inline and reports the result.
func (d *Dispatcher) Handshake(n *Notification) error {
	switch n.Subscription.ChannelType {
	case ChannelRestHook:
		return d.postBundle(n.Subscription, NotificationBundle(n), false)
	case ChannelChatWebhook:
		// Chat channels have no handshake exchange; reachability of the
		// sender pool is the whole check.
		if d.chat == nil {
			return fmt.Errorf("no chat sender configured")
		}
		return nil
	default:
		return fmt.Errorf("channel type %q is not wired for delivery", n.Subscription.ChannelType)
	}
}

// Close waits for in-flight deliveries to finish.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(n *Notification) {
	sub := n.Subscription
	var err error
	switch sub.ChannelType {
	case ChannelRestHook:
		err = d.postBundle(sub, NotificationBundle(n), true)
	case ChannelChatWebhook:
		err = d.deliverChat(n)
	default:
		err = fmt.Errorf("channel type %q is not wired for delivery", sub.ChannelType)
	}

	if err != nil {
		flipped := sub.RecordError(err.Error(), d.FailureThreshold)
		ev := d.log.Warn().Err(err).Str("subscription", sub.ID).Str("kind", n.Kind)
		if flipped {
			ev = d.log.Error().Err(err).Str("subscription", sub.ID).Bool("flipped", true)
		}
		ev.Msg("notification delivery failed")
		return
	}
	sub.RecordSuccess(time.Now().UTC())
	d.log.Debug().Str("subscription", sub.ID).Str("kind", n.Kind).
		Int64("event", n.EventNumber).Msg("notification delivered")
}

// postBundle POSTs the bundle to the subscription endpoint. One retry on
// transport errors or non-2xx statuses; 200, 202 and 204 count as accepted.
func (d *Dispatcher) postBundle(sub *ParsedSubscription, bundle Resource, retry bool) error {
	body, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}

	attempts := 1
	if retry {
		attempts = 2
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequest(http.MethodPost, sub.Endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		contentType := sub.ContentType
		if contentType == "" {
			contentType = "application/fhir+json"
		}
		req.Header.Set("Content-Type", contentType)
		for name, values := range sub.Headers {
			for _, v := range values {
				req.Header.Add(name, v)
			}
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
			return nil
		default:
			lastErr = fmt.Errorf("endpoint returned %d", resp.StatusCode)
		}
	}
	return lastErr
}

func (d *Dispatcher) deliverChat(n *Notification) error {
	if d.chat == nil {
		return fmt.Errorf("no chat sender configured")
	}
	topic := "notifications"
	if n.Topic != nil && n.Topic.Title != "" {
		topic = n.Topic.Title
	}
	return d.chat.Post(n.Subscription.Endpoint, topic, chatMessage(n))
}

// chatMessage renders a notification as a short markdown message.
func chatMessage(n *Notification) string {
	switch n.Kind {
	case NotifyHeartbeat:
		return fmt.Sprintf("heartbeat for subscription `%s` (%d events so far)",
			n.Subscription.ID, n.Subscription.EventCount())
	case NotifyHandshake:
		return fmt.Sprintf("subscription `%s` connected", n.Subscription.ID)
	default:
		msg := fmt.Sprintf("**event %d** on subscription `%s`", n.EventNumber, n.Subscription.ID)
		if n.Focus != nil {
			msg += ": " + n.Focus.Key()
		}
		return msg
	}
}

// NotificationBundle builds the history bundle for a notification: a
// SubscriptionStatus head entry followed by the focus and its additional
// context. Heartbeats and handshakes carry only the status entry.
func NotificationBundle(n *Notification) Resource {
	sub := n.Subscription
	status := map[string]interface{}{
		"resourceType":                 "SubscriptionStatus",
		"id":                           uuid.NewString(),
		"status":                       sub.Status(),
		"type":                         n.Kind,
		"eventsSinceSubscriptionStart": strconv.FormatInt(sub.EventCount(), 10),
		"subscription": map[string]interface{}{
			"reference": "Subscription/" + sub.ID,
		},
	}
	if sub.TopicURL != "" {
		status["topic"] = sub.TopicURL
	}
	if n.Kind == NotifyEvent {
		event := map[string]interface{}{
			"eventNumber": strconv.FormatInt(n.EventNumber, 10),
		}
		if n.Focus != nil {
			event["focus"] = map[string]interface{}{"reference": n.Focus.Key()}
		}
		status["notificationEvent"] = []interface{}{event}
	}

	entries := []interface{}{
		map[string]interface{}{
			"fullUrl":  "urn:uuid:" + status["id"].(string),
			"resource": status,
			"request":  map[string]interface{}{"method": "GET", "url": "Subscription/" + sub.ID + "/$status"},
			"response": map[string]interface{}{"status": "200"},
		},
	}
	if n.Kind == NotifyEvent && n.Focus != nil {
		entries = append(entries, notificationEntry(n.Focus))
		for _, extra := range n.Additional {
			entries = append(entries, notificationEntry(extra))
		}
	}

	return Resource{
		"resourceType": "Bundle",
		"id":           uuid.NewString(),
		"type":         "history",
		"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
		"entry":        entries,
	}
}

func notificationEntry(r Resource) map[string]interface{} {
	return map[string]interface{}{
		"fullUrl":  r.Key(),
		"resource": map[string]interface{}(r),
		"request":  map[string]interface{}{"method": "GET", "url": r.Key()},
		"response": map[string]interface{}{"status": "200"},
	}
}
