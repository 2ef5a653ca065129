package events

import "testing"

func TestIdempotencyKeyForEvent_LogicalIdentity(t *testing.T) {
	t.Parallel()

	payload := `{"charge_id":"ch_1","customer_id":"cus_1","amount_cents":1999,"currency":"usd"}`

	// Same charge delivered under two distinct provider event ids maps to the
	// same key: redelivery with a fresh id must not create a second effect.
	a := IdempotencyKeyForEvent(TypePaymentSucceeded, "evt_1", payload)
	b := IdempotencyKeyForEvent(TypePaymentSucceeded, "evt_2", payload)
	if a != b {
		t.Fatalf("same charge under different event ids should share a key: %s vs %s", a, b)
	}

	other := IdempotencyKeyForEvent(TypePaymentSucceeded, "evt_3",
		`{"charge_id":"ch_2","customer_id":"cus_1","amount_cents":1999,"currency":"usd"}`)
	if a == other {
		t.Fatalf("distinct charges must not share a key")
	}

	// The same charge under a different event type is a different effect.
	refund := IdempotencyKeyForEvent(TypeChargeRefunded, "evt_4", payload)
	if a == refund {
		t.Fatalf("charge and refund of the same charge must not share a key")
	}
}

func TestIdempotencyKeyForEvent_UnknownTypeFallsBack(t *testing.T) {
	t.Parallel()

	a := IdempotencyKeyForEvent("customer.created", "evt_1", `{}`)
	b := IdempotencyKeyForEvent("customer.created", "evt_2", `{}`)
	if a == b {
		t.Fatalf("fallback keys must differ per provider event id")
	}
}

func TestRegistry_Lookup(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(NewHandlers(nil))

	if _, ok := registry.Lookup(TypePaymentSucceeded); !ok {
		t.Fatalf("expected handler for %s", TypePaymentSucceeded)
	}
	if _, ok := registry.Lookup("customer.created"); ok {
		t.Fatalf("unexpected handler for unknown type")
	}
	if got := len(registry.Types()); got != 8 {
		t.Fatalf("expected 8 registered types, got %d", got)
	}
}
