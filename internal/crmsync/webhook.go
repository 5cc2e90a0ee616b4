package crmsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// WebhookDelivery is the notification body sent by the external CRM. Only
// ObjectID is trusted; reconciliation always re-fetches the authoritative
// object. Changes is kept verbatim as the external-side snapshot should
// reconciliation fail.
type WebhookDelivery struct {
	Object          string         `json:"object"`
	Action          string         `json:"action"`
	ObjectID        string         `json:"objectId"`
	ChangeSource    string         `json:"changeSource,omitempty"`
	ChangedByUserID string         `json:"changedByUserId,omitempty"`
	AppID           int64          `json:"appId,omitempty"`
	OccurredAt      string         `json:"occurredAt,omitempty"`
	Changes         map[string]any `json:"changes,omitempty"`
}

const webhookDeliverySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["object", "action", "objectId"],
	"properties": {
		"object": {"type": "string", "enum": ["contact", "company"]},
		"action": {"type": "string", "enum": ["create", "update", "delete"]},
		"objectId": {"type": "string", "minLength": 1},
		"changeSource": {"type": "string"},
		"changedByUserId": {"type": "string"},
		"appId": {"type": "integer"},
		"occurredAt": {"type": "string"},
		"changes": {"type": "object"}
	}
}`

var (
	webhookSchemaOnce sync.Once
	webhookSchema     *jsonschema.Schema
	webhookSchemaErr  error
)

func compiledWebhookSchema() (*jsonschema.Schema, error) {
	webhookSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookDeliverySchema))
		if err != nil {
			webhookSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("webhook-delivery.json", doc); err != nil {
			webhookSchemaErr = err
			return
		}
		webhookSchema, webhookSchemaErr = compiler.Compile("webhook-delivery.json")
	})
	return webhookSchema, webhookSchemaErr
}

// ParseWebhookDelivery validates the raw body against the delivery schema and
// decodes it. Schema violations come back wrapped in ErrInvalidInput.
func ParseWebhookDelivery(body []byte) (WebhookDelivery, error) {
	schema, err := compiledWebhookSchema()
	if err != nil {
		return WebhookDelivery{}, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return WebhookDelivery{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(doc); err != nil {
		return WebhookDelivery{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var delivery WebhookDelivery
	if err := json.Unmarshal(body, &delivery); err != nil {
		return WebhookDelivery{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return delivery, nil
}

// OccurredAtTime parses the delivery timestamp, falling back to now for
// absent or malformed values so log entries always carry a start time.
func (d WebhookDelivery) OccurredAtTime() time.Time {
	raw := strings.TrimSpace(d.OccurredAt)
	if raw == "" {
		return time.Now().UTC()
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC()
	}
	return time.Now().UTC()
}

func (d WebhookDelivery) entityKind() (EntityKind, error) {
	switch strings.ToLower(strings.TrimSpace(d.Object)) {
	case "contact":
		return EntityKindPerson, nil
	case "company":
		return EntityKindOrganization, nil
	default:
		return "", fmt.Errorf("%w: unknown object %q", ErrInvalidInput, d.Object)
	}
}

func (d WebhookDelivery) syncAction() SyncAction {
	switch strings.ToLower(strings.TrimSpace(d.Action)) {
	case "create":
		return SyncActionCreate
	case "delete":
		return SyncActionDelete
	default:
		return SyncActionUpdate
	}
}
