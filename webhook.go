package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Chatsync-Signature"

const webhookSource = "chatsync"

// maxRememberedDeliveries bounds the duplicate-delivery filter.
const maxRememberedDeliveries = 1024

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookDelivery is one signed push event delivered over HTTP POST.
type WebhookDelivery struct {
	Source     string `json:"source"`
	DeliveryID string `json:"delivery_id"`
	Timestamp  int64  `json:"timestamp"`
	PushEnvelope
}

// NewWebhookDelivery wraps env in a delivery with a fresh id.
func NewWebhookDelivery(env PushEnvelope) WebhookDelivery {
	return WebhookDelivery{
		Source:       webhookSource,
		DeliveryID:   uuid.NewString(),
		Timestamp:    time.Now().UnixMilli(),
		PushEnvelope: env,
	}
}

// ============================================================================
// Standalone Functions
// ============================================================================

// SignWebhookBody returns the "sha256=<hex>" signature of body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies an HMAC-SHA256 signature with a constant
// time comparison. The "sha256=" prefix is optional.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := strings.TrimPrefix(SignWebhookBody(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookDelivery parses and checks a raw webhook body.
func ParseWebhookDelivery(body string) (*WebhookDelivery, error) {
	var d WebhookDelivery
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if d.Source != webhookSource {
		return nil, fmt.Errorf("unknown webhook source: %s", d.Source)
	}
	if d.Type == "" {
		return nil, fmt.Errorf("missing type field in webhook delivery")
	}
	if d.ChannelID == "" {
		return nil, fmt.Errorf("missing channel_id in webhook delivery")
	}
	return &d, nil
}

// ============================================================================
// WebhookReceiver
// ============================================================================

type webhookSub struct {
	channelID string
	messages  *MessageHandlers
	channel   *ChannelHandlers
}

// WebhookReceiver is a Subscriber fed by signed HTTP deliveries. Mount
// HTTPHandler on a route the server posts to.
type WebhookReceiver struct {
	secret string
	logger *slog.Logger

	mu      sync.RWMutex
	subs    map[uint64]webhookSub
	nextSub uint64

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
}

// NewWebhookReceiver creates a receiver that accepts deliveries signed
// with secret.
func NewWebhookReceiver(secret string, logger *slog.Logger) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookReceiver{
		secret: secret,
		logger: logger,
		subs:   make(map[uint64]webhookSub),
		seen:   make(map[string]struct{}),
	}, nil
}

// Subscribe implements Subscriber.
func (w *WebhookReceiver) Subscribe(_ context.Context, channelID string, h MessageHandlers) (Subscription, error) {
	return w.add(webhookSub{channelID: channelID, messages: &h}), nil
}

// SubscribeChannel implements Subscriber.
func (w *WebhookReceiver) SubscribeChannel(_ context.Context, channelID string, h ChannelHandlers) (Subscription, error) {
	return w.add(webhookSub{channelID: channelID, channel: &h}), nil
}

func (w *WebhookReceiver) add(s webhookSub) Subscription {
	w.mu.Lock()
	w.nextSub++
	id := w.nextSub
	w.subs[id] = s
	w.mu.Unlock()
	return subscriptionFunc(func() error {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
		return nil
	})
}

// Handle verifies, parses and dispatches one delivery. It returns the
// status code and response body for the caller to write.
func (w *WebhookReceiver) Handle(body, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	d, err := ParseWebhookDelivery(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if d.DeliveryID != "" && w.delivered(d.DeliveryID) {
		return http.StatusOK, map[string]any{"ok": true, "duplicate": true}
	}

	w.mu.RLock()
	targets := make([]webhookSub, 0, len(w.subs))
	for _, s := range w.subs {
		if s.channelID == d.ChannelID {
			targets = append(targets, s)
		}
	}
	w.mu.RUnlock()

	for _, s := range targets {
		var (
			mh MessageHandlers
			ch ChannelHandlers
		)
		if s.messages != nil {
			if !IsMessageEvent(d.Type) {
				continue
			}
			mh = *s.messages
		} else {
			if IsMessageEvent(d.Type) {
				continue
			}
			ch = *s.channel
		}
		if !DispatchPush(d.PushEnvelope, mh, ch) {
			w.logger.Warn("webhook delivery not dispatched", "type", d.Type, "delivery_id", d.DeliveryID)
			return http.StatusBadRequest, map[string]string{"error": "unsupported event " + d.Type}
		}
	}
	// Rejected deliveries stay unrecorded so a redelivery is processed.
	if d.DeliveryID != "" {
		w.remember(d.DeliveryID)
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

func (w *WebhookReceiver) delivered(id string) bool {
	w.seenMu.Lock()
	defer w.seenMu.Unlock()
	_, ok := w.seen[id]
	return ok
}

// remember records a dispatched delivery id.
func (w *WebhookReceiver) remember(id string) {
	w.seenMu.Lock()
	defer w.seenMu.Unlock()
	if _, ok := w.seen[id]; ok {
		return
	}
	w.seen[id] = struct{}{}
	w.seenOrder = append(w.seenOrder, id)
	if len(w.seenOrder) > maxRememberedDeliveries {
		delete(w.seen, w.seenOrder[0])
		w.seenOrder = w.seenOrder[1:]
	}
}

// HTTPHandler returns an http.Handler that processes webhook deliveries.
//
// Example:
//
//	wh, _ := chatsync.NewWebhookReceiver("secret", nil)
//	http.Handle("/push", wh.HTTPHandler())
func (w *WebhookReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
