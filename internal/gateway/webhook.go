package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pulsehq/pulse/internal/cron"
)

// webhookRequest is the POST /webhook body: an external system event for the
// main session, optionally waking the heartbeat immediately.
type webhookRequest struct {
	Text    string  `json:"text"`
	AgentID *string `json:"agentId,omitempty"`
	Wake    bool    `json:"wake,omitempty"`
}

// handleWebhook validates the optional HMAC signature, enqueues the event, and
// nudges the heartbeat on request.
func (g *Gateway) handleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		if g.config.Webhook.Secret != "" {
			sig := r.Header.Get("X-Signature-256")
			if !validateHMAC(g.config.Webhook.Secret, body, sig) {
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}
		}

		var req webhookRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			http.Error(w, "missing text", http.StatusBadRequest)
			return
		}

		if err := g.events.EnqueueSystemEvent(r.Context(), req.Text, cron.SystemEventOptions{AgentID: req.AgentID}); err != nil {
			g.logger.Error("webhook enqueue failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if req.Wake && g.waker != nil {
			g.waker.RequestHeartbeatNow()
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}
}

// validateHMAC checks the HMAC-SHA256 signature ("sha256=<hex>").
func validateHMAC(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte("sha256="+expected), []byte(signature)) == 1
}
