package controllers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/revopsio/recoup/app/models"
	"github.com/revopsio/recoup/app/repository"
	"github.com/revopsio/recoup/internal/pkg/env"
	"github.com/revopsio/recoup/internal/pkg/events"
	"github.com/revopsio/recoup/internal/pkg/metrics/counter"
)

var (
	webhookValidate = validator.New()
	webhookEngine   *events.Engine
)

// InitializeWebhookController wires the engine so intake can wake idle
// workers after storing an event.
func InitializeWebhookController(engine *events.Engine) {
	webhookEngine = engine
}

// WebhookEnvelope is the provider's delivery wrapper. The data object is kept
// as raw JSON and decoded by the type handler, not at intake.
type WebhookEnvelope struct {
	ID        string          `json:"id" validate:"required"`
	Type      string          `json:"type" validate:"required"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	Data      json.RawMessage `json:"data" validate:"required"`
}

// HandleWebhookIngest accepts a provider webhook delivery. The contract is
// accept-fast: verify the signature, persist the event, wake a worker, return.
// No domain side effect happens on the request path.
func HandleWebhookIngest(c *fiber.Ctx) error {
	provider := strings.ToLower(strings.TrimSpace(c.Params("provider")))
	if provider == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_provider"})
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("X-Webhook-Signature"))
	secret := webhookSecret(provider)

	// Reject before any row is written. A forged delivery must leave no trace
	// in the queue.
	if !events.VerifyWebhookSignature(rawBody, signature, secret) {
		log.Warnf("[Webhook] Rejected delivery with invalid signature (provider=%s)", provider)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	var envelope WebhookEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if err := webhookValidate.Struct(&envelope); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_envelope"})
	}

	payloadJSON := string(envelope.Data)
	event := &models.WebhookEvent{
		Provider:        provider,
		ProviderEventID: envelope.ID,
		EventType:       envelope.Type,
		PayloadJSON:     payloadJSON,
		IdempotencyKey:  events.IdempotencyKeyForEvent(envelope.Type, envelope.ID, payloadJSON),
		Status:          models.EventStatusPending,
	}

	created, stored, err := repository.GetGlobalFactory().GetEventRepository().Store(event)
	if err != nil {
		log.Errorf("[Webhook] Persisting event %s failed: %v", envelope.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_persist_failed"})
	}
	if !created {
		// Same provider event id seen before. Acknowledge so the provider
		// stops redelivering; nothing is enqueued twice.
		if err := counter.AddDuplicate(provider); err != nil {
			log.Debugf("[Webhook] Duplicate counter update failed: %v", err)
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"accepted":  true,
			"duplicate": true,
			"event_id":  stored.ID,
		})
	}

	if err := counter.AddReceived(provider); err != nil {
		log.Debugf("[Webhook] Intake counter update failed: %v", err)
	}

	if webhookEngine != nil {
		webhookEngine.Notify()
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"accepted":  true,
		"duplicate": false,
		"event_id":  stored.ID,
	})
}

// webhookSecret resolves the signing secret, preferring a per-provider key.
func webhookSecret(provider string) string {
	if v := env.GetEnv("WEBHOOK_SECRET_"+strings.ToUpper(provider), ""); v != "" {
		return v
	}
	return env.GetEnv("WEBHOOK_SECRET", "")
}
