package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/boardpilot/boardpilot/internal/store"
	otelx "github.com/boardpilot/boardpilot/internal/otel"
)

// DefaultMaxBody caps inbound payload size at 256 KiB.
const DefaultMaxBody = 256 << 10

// SignatureHeader carries the HMAC of the request body.
const SignatureHeader = "X-Board-Signature"

// Delivery is a verified inbound event handed to the trigger layer.
type Delivery struct {
	WebhookID string
	OrgID     string
	ProjectID string
	Event     string
	Payload   json.RawMessage
}

// Trigger consumes verified deliveries. Implementations run asynchronously;
// the HTTP response never waits for the agent.
type Trigger interface {
	TriggerWebhook(ctx context.Context, d Delivery)
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, d Delivery)

func (f TriggerFunc) TriggerWebhook(ctx context.Context, d Delivery) { f(ctx, d) }

// Config holds the receiver's dependencies.
type Config struct {
	Store     *store.Store
	Decrypter Decrypter
	Trigger   Trigger
	Logger    *slog.Logger
	Metrics   *otelx.Metrics
	MaxBody   int64 // defaults to DefaultMaxBody
}

// Receiver terminates the inbound webhook endpoint.
type Receiver struct {
	store     *store.Store
	decrypter Decrypter
	trigger   Trigger
	logger    *slog.Logger
	metrics   *otelx.Metrics
	maxBody   int64
}

// NewReceiver creates a Receiver.
func NewReceiver(cfg Config) *Receiver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	decrypter := cfg.Decrypter
	if decrypter == nil {
		decrypter = PassthroughDecrypter{}
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return &Receiver{
		store:     cfg.Store,
		decrypter: decrypter,
		trigger:   cfg.Trigger,
		logger:    logger,
		metrics:   cfg.Metrics,
		maxBody:   maxBody,
	}
}

// ServeHTTP handles POST /webhooks/{id}. The webhook id is the last path
// segment. All rejections are uniform: 404 with a generic JSON body.
func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	id := strings.Trim(r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:], "/")
	if id == "" {
		rc.reject(w, r, "", "missing id")
		return
	}

	// Refuse oversized declarations before reading anything.
	if r.ContentLength > rc.maxBody {
		rc.reject(w, r, id, "declared body too large")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, rc.maxBody+1))
	if err != nil {
		rc.reject(w, r, id, "read body")
		return
	}
	if int64(len(body)) > rc.maxBody {
		rc.reject(w, r, id, "body too large")
		return
	}

	wh, err := rc.store.GetWebhook(r.Context(), id)
	if err != nil {
		rc.logger.Error("webhook lookup failed", "webhook_id", id, "error", err)
		rc.reject(w, r, id, "lookup error")
		return
	}
	if wh == nil || !wh.Enabled {
		rc.reject(w, r, id, "unknown or disabled")
		return
	}

	secret, err := rc.decrypter.Decrypt(wh.SecretEnc)
	if err != nil {
		rc.logger.Error("webhook secret decrypt failed", "webhook_id", id, "error", err)
		rc.reject(w, r, id, "decrypt error")
		return
	}
	if err := Verify(secret, body, r.Header.Get(SignatureHeader)); err != nil {
		rc.reject(w, r, id, err.Error())
		return
	}

	var envelope struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Event == "" {
		rc.reject(w, r, id, "malformed envelope")
		return
	}

	delivery := Delivery{
		WebhookID: wh.ID,
		OrgID:     wh.OrgID,
		ProjectID: wh.ProjectID,
		Event:     envelope.Event,
		Payload:   envelope.Payload,
	}

	// Accept, then run the trigger off the request goroutine. The trigger
	// gets a fresh context; the delivery must outlive this request.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		rc.trigger.TriggerWebhook(ctx, delivery)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"accepted"}`))
}

// reject answers every failure identically. The real reason goes to the
// debug log only.
func (rc *Receiver) reject(w http.ResponseWriter, r *http.Request, id, reason string) {
	if rc.metrics != nil {
		rc.metrics.WebhookRejects.Add(r.Context(), 1)
	}
	rc.logger.Debug("webhook rejected", "webhook_id", id, "reason", reason, "remote", r.RemoteAddr)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(`{"error":"not found"}`))
}
