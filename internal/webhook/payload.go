package webhook

import (
	"encoding/json"
	"errors"
)

// ErrInvalidPayload is returned by Normalize when the body matches neither
// the canonical Meta shape nor the simplified test shape.
var ErrInvalidPayload = errors.New("invalid webhook payload structure")

// Payload is the canonical Meta webhook envelope.
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	// ID is the WhatsApp business account id.
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []Contact        `json:"contacts"`
	Messages []InboundMessage `json:"messages"`
	Statuses []Status         `json:"statuses"`

	// Template quality update fields
	MessageTemplateID       int64  `json:"message_template_id"`
	MessageTemplateName     string `json:"message_template_name"`
	MessageTemplateLanguage string `json:"message_template_language"`
	PreviousQualityScore    string `json:"previous_quality_score"`
	NewQualityScore         string `json:"new_quality_score"`
}

type Contact struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

type InboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
}

type Status struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	Timestamp   string        `json:"timestamp"`
	RecipientID string        `json:"recipient_id"`
	Errors      []StatusError `json:"errors"`
	Message     StatusMessage `json:"message"`
}

type StatusError struct {
	Code    json.Number `json:"code"`
	Title   string      `json:"title"`
	Message string      `json:"message"`
}

type StatusMessage struct {
	Type     string `json:"type"`
	Template struct {
		Name string `json:"name"`
	} `json:"template"`
}

// Normalize parses a webhook body into the canonical shape. Canonical
// payloads pass through; the simplified {field, value} shape Meta's
// dashboard sends for test events is wrapped into a one-entry envelope
// keyed by the value's phone number id. Anything else is invalid.
func Normalize(raw []byte) (*Payload, error) {
	var probe struct {
		Object string          `json:"object"`
		Entry  json.RawMessage `json:"entry"`
		Field  string          `json:"field"`
		Value  json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}

	if probe.Object != "" && len(probe.Entry) > 0 {
		var payload Payload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
		return &payload, nil
	}

	if probe.Field != "" && len(probe.Value) > 0 {
		var value Value
		if err := json.Unmarshal(probe.Value, &value); err != nil {
			return nil, err
		}
		entryID := value.Metadata.PhoneNumberID
		if entryID == "" {
			entryID = "test_id"
		}
		return &Payload{
			Object: "whatsapp_business_account",
			Entry: []Entry{
				{
					ID:      entryID,
					Changes: []Change{{Field: probe.Field, Value: value}},
				},
			},
		}, nil
	}

	return nil, ErrInvalidPayload
}
