package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const canonicalBody = `{
	"object": "whatsapp_business_account",
	"entry": [{
		"id": "waba1",
		"changes": [{
			"field": "messages",
			"value": {
				"messaging_product": "whatsapp",
				"metadata": {"display_phone_number": "5491100000000", "phone_number_id": "pn1"},
				"contacts": [{"profile": {"name": "Juan"}, "wa_id": "5491100000001"}],
				"messages": [{
					"from": "5491100000001",
					"id": "wamid.abc",
					"timestamp": "1700000000",
					"type": "text",
					"text": {"body": "hola"}
				}]
			}
		}]
	}]
}`

func TestNormalizeCanonical(t *testing.T) {
	payload, err := Normalize([]byte(canonicalBody))
	require.NoError(t, err)

	assert.Equal(t, "whatsapp_business_account", payload.Object)
	require.Len(t, payload.Entry, 1)
	assert.Equal(t, "waba1", payload.Entry[0].ID)
	require.Len(t, payload.Entry[0].Changes, 1)

	change := payload.Entry[0].Changes[0]
	assert.Equal(t, "messages", change.Field)
	assert.Equal(t, "pn1", change.Value.Metadata.PhoneNumberID)
	require.Len(t, change.Value.Messages, 1)
	assert.Equal(t, "hola", change.Value.Messages[0].Text.Body)
}

func TestNormalizeSimplified(t *testing.T) {
	body := `{
		"field": "messages",
		"value": {
			"metadata": {"phone_number_id": "pn1"},
			"messages": [{"from": "549", "id": "wamid.x", "type": "text", "text": {"body": "hola"}}]
		}
	}`

	payload, err := Normalize([]byte(body))
	require.NoError(t, err)

	require.Len(t, payload.Entry, 1)
	assert.Equal(t, "pn1", payload.Entry[0].ID)
	require.Len(t, payload.Entry[0].Changes, 1)
	assert.Equal(t, "messages", payload.Entry[0].Changes[0].Field)
	require.Len(t, payload.Entry[0].Changes[0].Value.Messages, 1)
}

func TestNormalizeSimplifiedWithoutPhoneNumberID(t *testing.T) {
	body := `{"field": "messages", "value": {"messages": []}}`

	payload, err := Normalize([]byte(body))
	require.NoError(t, err)
	require.Len(t, payload.Entry, 1)
	assert.Equal(t, "test_id", payload.Entry[0].ID)
}

func TestNormalizeInvalidShape(t *testing.T) {
	_, err := Normalize([]byte(`{"something": "else"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestNormalizeBadJSON(t *testing.T) {
	_, err := Normalize([]byte(`{not json`))
	assert.Error(t, err)
}

func TestNormalizeStatusPayload(t *testing.T) {
	body := `{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba1",
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "pn1"},
					"statuses": [{
						"id": "wamid.abc",
						"status": "failed",
						"recipient_id": "549",
						"errors": [{"code": 131047, "title": "Re-engagement message", "message": "More than 24 hours"}],
						"message": {"type": "template", "template": {"name": "promo_julio"}}
					}]
				}
			}]
		}]
	}`

	payload, err := Normalize([]byte(body))
	require.NoError(t, err)

	statuses := payload.Entry[0].Changes[0].Value.Statuses
	require.Len(t, statuses, 1)
	assert.Equal(t, "failed", statuses[0].Status)
	require.Len(t, statuses[0].Errors, 1)
	assert.Equal(t, "131047", statuses[0].Errors[0].Code.String())
	assert.Equal(t, "template", statuses[0].Message.Type)
	assert.Equal(t, "promo_julio", statuses[0].Message.Template.Name)
}
