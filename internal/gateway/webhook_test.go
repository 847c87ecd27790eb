package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"
)

func postWebhook(t *testing.T, tg *testGateway, body []byte, sign string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, tg.srv.URL+"/webhook", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sign != "" {
		req.Header.Set("X-Signature-256", sign)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhook_EnqueuesEvent(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})
	resp := postWebhook(t, tg, []byte(`{"text":"mail arrived"}`), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if texts := tg.sink.Texts(); len(texts) != 1 || texts[0] != "mail arrived" {
		t.Errorf("events = %v", texts)
	}
	if tg.waker.Count() != 0 {
		t.Error("heartbeat woken without wake flag")
	}
}

func TestWebhook_WakeFlag(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})
	resp := postWebhook(t, tg, []byte(`{"text":"urgent","wake":true}`), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if tg.waker.Count() != 1 {
		t.Errorf("waker count = %d, want 1", tg.waker.Count())
	}
}

func TestWebhook_HMAC(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{Webhook: WebhookConfig{Secret: "hush"}})
	body := []byte(`{"text":"signed"}`)

	// Unsigned and mis-signed requests are rejected.
	if resp := postWebhook(t, tg, body, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unsigned: status = %d, want 401", resp.StatusCode)
	}
	if resp := postWebhook(t, tg, body, signBody("wrong", body)); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad signature: status = %d, want 401", resp.StatusCode)
	}
	if len(tg.sink.Texts()) != 0 {
		t.Fatal("rejected webhook still enqueued an event")
	}

	// Correctly signed request goes through.
	if resp := postWebhook(t, tg, body, signBody("hush", body)); resp.StatusCode != http.StatusOK {
		t.Errorf("signed: status = %d, want 200", resp.StatusCode)
	}
	if texts := tg.sink.Texts(); len(texts) != 1 || texts[0] != "signed" {
		t.Errorf("events = %v", texts)
	}
}

func TestWebhook_Rejections(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})

	if resp := postWebhook(t, tg, []byte(`not json`), ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad json: status = %d, want 400", resp.StatusCode)
	}
	if resp := postWebhook(t, tg, []byte(`{"text":"  "}`), ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank text: status = %d, want 400", resp.StatusCode)
	}
}
