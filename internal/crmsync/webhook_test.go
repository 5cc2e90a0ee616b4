package crmsync

import (
	"errors"
	"testing"
	"time"
)

func TestParseWebhookDelivery(t *testing.T) {
	body := []byte(`{
		"object": "contact",
		"action": "update",
		"objectId": "hs-31",
		"changeSource": "CRM_UI",
		"changedByUserId": "u-9",
		"appId": 12345,
		"occurredAt": "2026-02-11T08:30:00Z",
		"changes": {"email": "new@example.com"}
	}`)
	delivery, err := ParseWebhookDelivery(body)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if delivery.Object != "contact" || delivery.Action != "update" || delivery.ObjectID != "hs-31" {
		t.Fatalf("unexpected delivery: %+v", delivery)
	}
	if delivery.Changes["email"] != "new@example.com" {
		t.Fatalf("changes not parsed: %+v", delivery.Changes)
	}
	occurred := delivery.OccurredAtTime()
	if occurred.Year() != 2026 || occurred.Month() != time.February {
		t.Fatalf("unexpected occurredAt: %v", occurred)
	}
}

func TestParseWebhookDeliveryRejectsInvalidPayloads(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `{{`},
		{"missing object", `{"action": "create", "objectId": "hs-1"}`},
		{"missing objectId", `{"object": "contact", "action": "create"}`},
		{"unknown object", `{"object": "deal", "action": "create", "objectId": "hs-1"}`},
		{"unknown action", `{"object": "contact", "action": "archive", "objectId": "hs-1"}`},
		{"wrong objectId type", `{"object": "contact", "action": "create", "objectId": 42}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseWebhookDelivery([]byte(tc.body)); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got: %v", err)
			}
		})
	}
}

func TestWebhookDeliveryOccurredAtFallsBackToNow(t *testing.T) {
	delivery := WebhookDelivery{Object: "contact", Action: "create", ObjectID: "hs-1", OccurredAt: "not-a-time"}
	occurred := delivery.OccurredAtTime()
	if time.Since(occurred) > time.Minute {
		t.Fatalf("expected fallback near now, got %v", occurred)
	}
}
