package webhook_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/boardpilot/boardpilot/internal/action"
	"github.com/boardpilot/boardpilot/internal/store"
	"github.com/boardpilot/boardpilot/internal/webhook"
)

const testSecret = "wh-secret-1"

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type capturingTrigger struct {
	mu         sync.Mutex
	deliveries []webhook.Delivery
}

func (c *capturingTrigger) TriggerWebhook(_ context.Context, d webhook.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = append(c.deliveries, d)
}

func (c *capturingTrigger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries)
}

func (c *capturingTrigger) last() webhook.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliveries[len(c.deliveries)-1]
}

type env struct {
	store     *store.Store
	trigger   *capturingTrigger
	receiver  *webhook.Receiver
	webhookID string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "boardpilot.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	id, err := st.InsertWebhook(context.Background(), store.Webhook{
		OrgID:     "org-1",
		ProjectID: "proj-1",
		SecretEnc: testSecret,
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("insert webhook: %v", err)
	}

	trigger := &capturingTrigger{}
	return &env{
		store:     st,
		trigger:   trigger,
		webhookID: id,
		receiver: webhook.NewReceiver(webhook.Config{
			Store:   st,
			Trigger: trigger,
			MaxBody: 1024,
		}),
	}
}

func (e *env) post(id string, body []byte, sign bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hooks/"+id, bytes.NewReader(body))
	if sign {
		req.Header.Set(webhook.SignatureHeader, webhook.Sign(testSecret, body))
	}
	w := httptest.NewRecorder()
	e.receiver.ServeHTTP(w, req)
	return w
}

func assertUniformReject(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != `{"error":"not found"}` {
		t.Fatalf("rejection body must be uniform, got %q", body)
	}
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"event":"task.created"}`)
	sig := webhook.Sign(testSecret, body)
	if !strings.HasPrefix(sig, webhook.SignaturePrefix) {
		t.Fatalf("signature missing scheme prefix: %s", sig)
	}
	if !webhook.VerifySignature(testSecret, body, sig) {
		t.Fatal("signature should verify")
	}
	if webhook.VerifySignature("other-secret", body, sig) {
		t.Fatal("wrong secret must not verify")
	}
	if webhook.VerifySignature(testSecret, append([]byte(nil), append(body, 'x')...), sig) {
		t.Fatal("tampered body must not verify")
	}
	if webhook.VerifySignature(testSecret, body, strings.TrimPrefix(sig, webhook.SignaturePrefix)) {
		t.Fatal("missing prefix must not verify")
	}
	if webhook.VerifySignature(testSecret, body, webhook.SignaturePrefix+"zz-not-hex") {
		t.Fatal("malformed hex must not verify")
	}
}

func TestReceiver_AcceptsAndTriggersAsync(t *testing.T) {
	e := newEnv(t)
	body := []byte(`{"event":"issue.opened","payload":{"title":"crash on save"}}`)

	w := e.post(e.webhookID, body, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	waitFor(t, time.Second, func() bool { return e.trigger.count() == 1 })
	d := e.trigger.last()
	if d.WebhookID != e.webhookID || d.OrgID != "org-1" || d.Event != "issue.opened" {
		t.Fatalf("unexpected delivery: %+v", d)
	}
	if !strings.Contains(string(d.Payload), "crash on save") {
		t.Fatalf("payload not forwarded: %s", d.Payload)
	}
}

func TestReceiver_RejectionsAreUniform(t *testing.T) {
	e := newEnv(t)
	good := []byte(`{"event":"ping","payload":{}}`)

	cases := []struct {
		name string
		do   func() *httptest.ResponseRecorder
	}{
		{"unknown id", func() *httptest.ResponseRecorder {
			return e.post("no-such-hook", good, true)
		}},
		{"missing signature", func() *httptest.ResponseRecorder {
			return e.post(e.webhookID, good, false)
		}},
		{"tampered body", func() *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodPost, "/hooks/"+e.webhookID,
				bytes.NewReader([]byte(`{"event":"ping","payload":{"x":1}}`)))
			req.Header.Set(webhook.SignatureHeader, webhook.Sign(testSecret, good))
			w := httptest.NewRecorder()
			e.receiver.ServeHTTP(w, req)
			return w
		}},
		{"wrong secret", func() *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodPost, "/hooks/"+e.webhookID, bytes.NewReader(good))
			req.Header.Set(webhook.SignatureHeader, webhook.Sign("bad-secret", good))
			w := httptest.NewRecorder()
			e.receiver.ServeHTTP(w, req)
			return w
		}},
		{"malformed envelope", func() *httptest.ResponseRecorder {
			bad := []byte(`{"payload":{}}`)
			return e.post(e.webhookID, bad, true)
		}},
		{"oversized body", func() *httptest.ResponseRecorder {
			huge := bytes.Repeat([]byte("a"), 2048)
			return e.post(e.webhookID, huge, true)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assertUniformReject(t, tc.do())
		})
	}

	time.Sleep(50 * time.Millisecond)
	if e.trigger.count() != 0 {
		t.Fatalf("no rejected delivery may reach the trigger, got %d", e.trigger.count())
	}
}

func TestReceiver_DisabledWebhook(t *testing.T) {
	e := newEnv(t)
	// Register a second, disabled hook; it must be indistinguishable from a
	// missing one.
	id, err := e.store.InsertWebhook(context.Background(), store.Webhook{
		OrgID: "org-1", ProjectID: "proj-1", SecretEnc: testSecret, Enabled: false,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	body := []byte(`{"event":"ping","payload":{}}`)
	assertUniformReject(t, e.post(id, body, true))
}

func TestReceiver_DeclaredSizeRejectedBeforeRead(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/hooks/"+e.webhookID, bytes.NewReader(nil))
	req.ContentLength = 1 << 30
	w := httptest.NewRecorder()
	e.receiver.ServeHTTP(w, req)
	assertUniformReject(t, w)
}

func TestReceiver_MethodNotAllowed(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/hooks/"+e.webhookID, nil)
	w := httptest.NewRecorder()
	e.receiver.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestVerify_ClassifiableError(t *testing.T) {
	body := []byte(`{"event":"ping"}`)

	if err := webhook.Verify(testSecret, body, webhook.Sign(testSecret, body)); err != nil {
		t.Fatalf("valid signature must verify: %v", err)
	}

	cases := []struct {
		name   string
		header string
	}{
		{"wrong secret", webhook.Sign("bad-secret", body)},
		{"missing prefix", "deadbeef"},
		{"garbage hex", webhook.SignaturePrefix + "zzzz"},
		{"empty header", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := webhook.Verify(testSecret, body, tc.header)
			if !errors.Is(err, action.ErrSignatureInvalid) {
				t.Fatalf("expected signature-invalid error, got %v", err)
			}
		})
	}
}
