package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/culturesnews/payment-backend/apperr"
	"github.com/culturesnews/payment-backend/models"
)

// SignatureHeader carries the gateway's HMAC over the raw request body.
const SignatureHeader = "X-Webhook-Signature"

type WebhookHandler struct {
	svc interface {
		ProcessWebhook(ctx context.Context, payload models.WebhookPayload) error
	}
	// secret enables signature verification when non-empty.
	secret string
}

func NewWebhookHandler(svc interface {
	ProcessWebhook(ctx context.Context, payload models.WebhookPayload) error
}, secret string) *WebhookHandler {
	return &WebhookHandler{svc: svc, secret: secret}
}

// HandleGatewayWebhook applies a settlement notification from the gateway.
// Unknown references answer 404 so the gateway stops redelivering a permanent
// mismatch; everything the service accepts (including terminal replays)
// answers {received:true}.
func (h *WebhookHandler) HandleGatewayWebhook(c *fiber.Ctx) error {
	body := c.Body()

	if h.secret != "" && !h.verifySignature(body, c.Get(SignatureHeader)) {
		return c.Status(401).JSON(fiber.Map{"error": "invalid signature"})
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Reference == "" {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload: missing reference"})
	}

	log.Printf("webhook: received ptn=%s status=%s", payload.Reference, payload.Status)

	if err := h.svc.ProcessWebhook(c.Context(), payload); err != nil {
		var notFoundErr *apperr.NotFoundError
		if errors.As(err, &notFoundErr) {
			log.Printf("webhook: no transaction for ptn=%s", payload.Reference)
			return c.Status(404).JSON(fiber.Map{"error": notFoundErr.Error()})
		}
		log.Printf("webhook: processing failed ptn=%s err=%v", payload.Reference, err)
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	return c.JSON(fiber.Map{"received": true})
}

func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
