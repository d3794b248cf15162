package webhook

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Conversly/wa-orchestrator/internal/buffer"
	"github.com/Conversly/wa-orchestrator/internal/convo"
	"github.com/Conversly/wa-orchestrator/internal/llm"
	"github.com/Conversly/wa-orchestrator/internal/loaders"
	"github.com/Conversly/wa-orchestrator/internal/tenant"
	"github.com/Conversly/wa-orchestrator/internal/tools"
	"github.com/Conversly/wa-orchestrator/internal/utils"
	"github.com/Conversly/wa-orchestrator/internal/whatsapp"
)

type fakeLLM struct {
	mu       sync.Mutex
	content  string
	requests []*llm.Request
}

func (f *fakeLLM) Complete(_ context.Context, req *llm.Request) (*llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return &llm.Completion{Content: f.content, FinishReason: "stop"}, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) SendText(_ context.Context, _, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, body)
	return "wamid.out", nil
}

func (f *fakeSender) SendContact(_ context.Context, _ string, _ whatsapp.ContactCard) error {
	return nil
}

func (f *fakeSender) SendCTAURL(_ context.Context, _ string, _ whatsapp.CTAMessage) error {
	return nil
}

type savedRow struct {
	conversationID string
	messageUID     string
	role           string
	content        string
}

type fakeStore struct {
	mu      sync.Mutex
	convs   map[string]string
	inbound []savedRow
	saved   []savedRow
	closed  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: make(map[string]string)}
}

func (f *fakeStore) GetOrCreateConversation(_ context.Context, tenantID, phone string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tenantID + "/" + phone
	if id, ok := f.convs[key]; ok {
		return id, nil
	}
	id := fmt.Sprintf("conv-%d", len(f.convs)+1)
	f.convs[key] = id
	return id, nil
}

func (f *fakeStore) CloseConversation(_ context.Context, tenantID, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, tenantID+"/"+phone)
	delete(f.convs, tenantID+"/"+phone)
	return nil
}

func (f *fakeStore) SaveInboundMessage(_ context.Context, conversationID, messageUID, role, content string, _ map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, savedRow{
		conversationID: conversationID,
		messageUID:     messageUID,
		role:           role,
		content:        content,
	})
	return nil
}

func (f *fakeStore) SaveMessage(_ context.Context, conversationID, messageUID, role, content string, _ map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, savedRow{
		conversationID: conversationID,
		messageUID:     messageUID,
		role:           role,
		content:        content,
	})
	return nil
}

func (f *fakeStore) UpdateMessageMetadata(_ context.Context, _, _ string, _ map[string]interface{}) error {
	return nil
}

func (f *fakeStore) ConversationHistory(_ context.Context, _, _ string, _ int) ([]loaders.MessageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]loaders.MessageRow, 0, len(f.inbound)+len(f.saved))
	for _, s := range append(append([]savedRow{}, f.inbound...), f.saved...) {
		rows = append(rows, loaders.MessageRow{
			ID:             s.messageUID,
			ConversationID: s.conversationID,
			Role:           s.role,
			Content:        s.content,
		})
	}
	return rows, nil
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	llm        *fakeLLM
	out        *fakeSender
	store      *fakeStore
	buffers    *buffer.Manager
	contexts   *convo.Store
	registry   *tenant.Registry
	containers *tenant.Containers
}

func newDispatchFixture(t *testing.T, blocked ...string) *dispatchFixture {
	t.Helper()

	cfg := &tenant.Config{
		ID:               "waba1",
		Name:             "Test",
		PhoneNumber:      "5491100000000",
		PhoneNumberID:    "pn1",
		AccessToken:      "token",
		VerifyToken:      "secreto",
		Model:            "gemini-2.0-flash",
		Strategy:         tenant.StrategySingle,
		BaseInstructions: "Sos un asistente.",
	}

	f := &dispatchFixture{
		llm:      &fakeLLM{content: "respuesta"},
		out:      &fakeSender{},
		store:    newFakeStore(),
		buffers:  buffer.NewManager(time.Minute, time.Minute, 200*time.Millisecond, 10*time.Millisecond),
		contexts: convo.NewStore(time.Minute),
		registry: tenant.NewRegistry(cfg),
	}
	t.Cleanup(f.buffers.Stop)
	t.Cleanup(f.contexts.Stop)

	f.containers = tenant.NewContainers(func(_ context.Context, tc *tenant.Config) (*tenant.Runtime, error) {
		return &tenant.Runtime{
			Config: tc,
			LLM:    f.llm,
			Out:    f.out,
			Tools:  tools.NewExecutor(nil),
		}, nil
	})

	f.dispatcher = NewDispatcher(f.registry, f.containers, f.buffers, f.contexts, f.store, blocked)
	return f
}

func messagePayload(from, id, msgType, body string) []byte {
	return []byte(fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba1",
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "pn1"},
					"messages": [{
						"from": %q, "id": %q, "type": %q, "text": {"body": %q}
					}]
				}
			}]
		}]
	}`, from, id, msgType, body))
}

func TestDispatchTextMessageEndToEnd(t *testing.T) {
	f := newDispatchFixture(t)

	f.dispatcher.Dispatch(context.Background(), messagePayload("549", "wamid.in1", "text", "hola"))

	// Reply sent.
	require.Len(t, f.out.sent, 1)
	assert.Equal(t, "respuesta", f.out.sent[0])

	// Inbound message persisted synchronously with the provider id so the
	// turn's metadata update finds the row; reply goes through the batch saver.
	require.Len(t, f.store.inbound, 1)
	assert.Equal(t, "user", f.store.inbound[0].role)
	assert.Equal(t, "wamid.in1", f.store.inbound[0].messageUID)
	assert.Equal(t, "hola", f.store.inbound[0].content)
	require.Len(t, f.store.saved, 1)
	assert.Equal(t, "assistant", f.store.saved[0].role)

	// Buffer drained and working context updated.
	key := buffer.Key("549", "waba1")
	assert.Empty(t, f.buffers.UnprocessedMessages(key))
	history := f.contexts.Messages("waba1", "549")
	require.Len(t, history, 2)
	assert.Equal(t, schema.User, history[0].Role)
	assert.Equal(t, schema.Assistant, history[1].Role)
}

func TestDispatchUnknownTenantIsNoOp(t *testing.T) {
	f := newDispatchFixture(t)

	body := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "other-waba",
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "other-pn"},
					"messages": [{"from": "549", "id": "wamid.x", "type": "text", "text": {"body": "hola"}}]
				}
			}]
		}]
	}`)
	f.dispatcher.Dispatch(context.Background(), body)

	assert.Empty(t, f.out.sent)
	assert.Empty(t, f.store.inbound)
	assert.Empty(t, f.store.saved)
}

func TestDispatchResolvesByPhoneNumberID(t *testing.T) {
	f := newDispatchFixture(t)

	body := []byte(`{
		"field": "messages",
		"value": {
			"metadata": {"phone_number_id": "pn1"},
			"messages": [{"from": "549", "id": "wamid.x", "type": "text", "text": {"body": "hola"}}]
		}
	}`)
	f.dispatcher.Dispatch(context.Background(), body)

	require.Len(t, f.out.sent, 1)
}

func TestDispatchBlockedNumber(t *testing.T) {
	f := newDispatchFixture(t, "5491171950001")

	f.dispatcher.Dispatch(context.Background(), messagePayload("5491171950001", "wamid.x", "text", "hola"))

	assert.Empty(t, f.out.sent)
	assert.Empty(t, f.store.inbound)
	assert.Empty(t, f.store.saved)
}

func TestDispatchSkipsNonTextMessages(t *testing.T) {
	f := newDispatchFixture(t)

	f.dispatcher.Dispatch(context.Background(), messagePayload("549", "wamid.x", "image", ""))

	assert.Empty(t, f.out.sent)
	assert.Empty(t, f.store.inbound)
	assert.Empty(t, f.store.saved)
}

func TestDispatchInvalidPayloadContained(t *testing.T) {
	f := newDispatchFixture(t)

	f.dispatcher.Dispatch(context.Background(), []byte(`{"something": "else"}`))

	assert.Empty(t, f.out.sent)
}

func TestDispatchCoalescesRapidMessages(t *testing.T) {
	f := newDispatchFixture(t)

	body := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba1",
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "pn1"},
					"messages": [
						{"from": "549", "id": "wamid.1", "type": "text", "text": {"body": "hola"}},
						{"from": "549", "id": "wamid.2", "type": "text", "text": {"body": "estás?"}}
					]
				}
			}]
		}]
	}`)
	f.dispatcher.Dispatch(context.Background(), body)

	// Both messages answered by a single turn.
	require.Len(t, f.out.sent, 1)
	require.Len(t, f.llm.requests, 1)
	assert.Empty(t, f.buffers.UnprocessedMessages(buffer.Key("549", "waba1")))
}

func TestDispatchStatusesDoNotTriggerTurns(t *testing.T) {
	f := newDispatchFixture(t)

	body := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba1",
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "pn1"},
					"statuses": [{
						"id": "wamid.out",
						"status": "failed",
						"recipient_id": "549",
						"errors": [{"code": 131032, "title": "Template not found", "message": "not found"}],
						"message": {"type": "template", "template": {"name": "promo"}}
					}]
				}
			}]
		}]
	}`)
	f.dispatcher.Dispatch(context.Background(), body)

	assert.Empty(t, f.out.sent)
	assert.Empty(t, f.store.inbound)
	assert.Empty(t, f.store.saved)
}

func TestDispatchStatusesField(t *testing.T) {
	f := newDispatchFixture(t)

	observed, logs := observer.New(zap.InfoLevel)
	prev := utils.Zlog
	utils.Zlog = zap.New(observed)
	t.Cleanup(func() { utils.Zlog = prev })

	// Statuses delivered under their own field, not multiplexed onto messages.
	body := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba1",
			"changes": [{
				"field": "statuses",
				"value": {
					"metadata": {"phone_number_id": "pn1"},
					"statuses": [{
						"id": "wamid.out",
						"status": "failed",
						"recipient_id": "549",
						"errors": [{"code": 131032, "title": "Template not found", "message": "not found"}],
						"message": {"type": "template", "template": {"name": "promo"}}
					}]
				}
			}]
		}]
	}`)
	f.dispatcher.Dispatch(context.Background(), body)

	assert.Empty(t, f.out.sent)
	assert.Equal(t, 1, logs.FilterMessage("Message delivery failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("Template does not exist for this account").Len())
	assert.Zero(t, logs.FilterMessage("Unhandled webhook field").Len())
}

func TestDispatchTemplateQualityUpdate(t *testing.T) {
	f := newDispatchFixture(t)

	body := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba1",
			"changes": [{
				"field": "message_template_quality_update",
				"value": {
					"message_template_id": 123,
					"message_template_name": "promo",
					"message_template_language": "es_AR",
					"previous_quality_score": "GREEN",
					"new_quality_score": "RED"
				}
			}]
		}]
	}`)

	// Only logging; must not panic or touch the conversation path.
	f.dispatcher.Dispatch(context.Background(), body)
	assert.Empty(t, f.out.sent)
}
