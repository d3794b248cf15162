package webhook

import (
	"context"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/Conversly/wa-orchestrator/internal/buffer"
	"github.com/Conversly/wa-orchestrator/internal/convo"
	"github.com/Conversly/wa-orchestrator/internal/loaders"
	"github.com/Conversly/wa-orchestrator/internal/orchestrator"
	"github.com/Conversly/wa-orchestrator/internal/tenant"
	"github.com/Conversly/wa-orchestrator/internal/utils"
)

// Store is the persistence surface the webhook layer needs.
type Store interface {
	GetOrCreateConversation(ctx context.Context, tenantID, phoneNumber string) (string, error)
	CloseConversation(ctx context.Context, tenantID, phoneNumber string) error
	SaveInboundMessage(ctx context.Context, conversationID, messageUID, role, content string, metadata map[string]interface{}) error
	SaveMessage(ctx context.Context, conversationID, messageUID, role, content string, metadata map[string]interface{}) error
	UpdateMessageMetadata(ctx context.Context, conversationID, messageID string, metadata map[string]interface{}) error
	ConversationHistory(ctx context.Context, tenantID, phoneNumber string, limit int) ([]loaders.MessageRow, error)
}

// Dispatcher fans a normalized webhook payload out to the per-field handlers
// and drives conversation turns. Every failure past parsing is contained
// here: a bad entry is logged and skipped, never surfaced to Meta.
type Dispatcher struct {
	registry   *tenant.Registry
	containers *tenant.Containers
	buffers    *buffer.Manager
	contexts   *convo.Store
	store      Store
	blocklist  map[string]struct{}
}

func NewDispatcher(registry *tenant.Registry, containers *tenant.Containers, buffers *buffer.Manager, contexts *convo.Store, store Store, blockedNumbers []string) *Dispatcher {
	blocklist := make(map[string]struct{}, len(blockedNumbers))
	for _, n := range blockedNumbers {
		blocklist[n] = struct{}{}
	}
	return &Dispatcher{
		registry:   registry,
		containers: containers,
		buffers:    buffers,
		contexts:   contexts,
		store:      store,
		blocklist:  blocklist,
	}
}

// Dispatch processes one raw webhook body end to end.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) {
	payload, err := Normalize(raw)
	if err != nil {
		utils.Zlog.Warn("Discarding unrecognized webhook payload", zap.Error(err))
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			cfg, ok := d.registry.Resolve(entry.ID, change.Value.Metadata.PhoneNumberID)
			if !ok {
				utils.Zlog.Warn("No tenant for webhook entry",
					zap.String("business_account_id", entry.ID),
					zap.String("phone_number_id", change.Value.Metadata.PhoneNumberID),
					zap.String("field", change.Field))
				continue
			}

			switch change.Field {
			case "messages":
				// Meta also multiplexes delivery statuses onto the messages field.
				if len(change.Value.Statuses) > 0 {
					d.handleStatuses(cfg, change.Value.Statuses)
				}
				if len(change.Value.Messages) > 0 {
					d.handleMessages(ctx, cfg, change.Value.Messages)
				}
			case "statuses":
				d.handleStatuses(cfg, change.Value.Statuses)
			case "message_template_quality_update":
				d.handleTemplateQuality(cfg, change.Value)
			default:
				utils.Zlog.Info("Unhandled webhook field",
					zap.String("tenant_id", cfg.ID),
					zap.String("field", change.Field))
			}
		}
	}
}

// handleMessages ingests each inbound message into the conversation buffer
// and then drains each touched conversation once.
func (d *Dispatcher) handleMessages(ctx context.Context, cfg *tenant.Config, messages []InboundMessage) {
	touched := make(map[string]struct{})

	for _, msg := range messages {
		if _, blocked := d.blocklist[msg.From]; blocked {
			utils.Zlog.Info("Ignoring message from blocked number",
				zap.String("tenant_id", cfg.ID),
				zap.String("sender", msg.From))
			continue
		}
		if msg.Type != "text" {
			utils.Zlog.Info("Skipping non-text message",
				zap.String("tenant_id", cfg.ID),
				zap.String("sender", msg.From),
				zap.String("type", msg.Type))
			continue
		}
		if d.ingest(ctx, cfg, msg) {
			touched[msg.From] = struct{}{}
		}
	}

	for sender := range touched {
		d.processConversation(ctx, cfg, sender)
	}
}

// ingest records one inbound text message in the store, the buffer and the
// working context. Returns whether the message was accepted.
func (d *Dispatcher) ingest(ctx context.Context, cfg *tenant.Config, msg InboundMessage) bool {
	conversationID, err := d.store.GetOrCreateConversation(ctx, cfg.ID, msg.From)
	if err != nil {
		utils.Zlog.Error("Failed to resolve conversation",
			zap.String("tenant_id", cfg.ID),
			zap.String("sender", msg.From),
			zap.Error(err))
		return false
	}

	key := d.buffers.GetOrCreateBuffer(cfg.ID, msg.From, conversationID)

	// Synchronous write: the turn updates this row's metadata by provider id,
	// so it cannot wait in the batch saver's queue.
	if err := d.store.SaveInboundMessage(ctx, conversationID, msg.ID, string(schema.User), msg.Text.Body, map[string]interface{}{
		"strategy": string(cfg.Strategy),
		"type":     msg.Type,
	}); err != nil {
		utils.Zlog.Error("Failed to persist inbound message",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}

	d.buffers.AddMessage(key, buffer.Entry{
		MessageID: msg.ID,
		Text:      msg.Text.Body,
		Type:      msg.Type,
	})
	d.contexts.AddMessage(cfg.ID, msg.From, schema.User, msg.Text.Body)

	utils.Zlog.Info("Inbound message buffered",
		zap.String("tenant_id", cfg.ID),
		zap.String("sender", msg.From),
		zap.String("message_id", msg.ID))
	return true
}

// processConversation drains the conversation's unprocessed messages in one
// turn, under the conversation lock. Messages that land while a turn is in
// flight are answered by whichever worker grabs the lock next.
func (d *Dispatcher) processConversation(ctx context.Context, cfg *tenant.Config, sender string) {
	key := buffer.Key(sender, cfg.ID)

	err := d.buffers.WithLock(ctx, key, func() error {
		pending := d.buffers.UnprocessedMessages(key)
		if len(pending) == 0 {
			return nil
		}

		meta, ok := d.buffers.Metadata(key)
		if !ok {
			utils.Zlog.Warn("Buffer expired before processing", zap.String("key", key))
			return nil
		}

		ids := make([]string, len(pending))
		for i, e := range pending {
			ids[i] = e.MessageID
		}

		rt, err := d.containers.Runtime(ctx, cfg)
		if err != nil {
			return err
		}

		handler := orchestrator.NewHandler(orchestrator.TurnParams{
			Tenant:         rt.Config,
			LLM:            rt.LLM,
			Out:            rt.Out,
			Tools:          rt.Tools,
			Buffers:        d.buffers,
			Contexts:       d.contexts,
			Store:          d.store,
			Sender:         sender,
			ConversationID: meta.ConversationID,
			ProcessingIDs:  ids,
		})
		handler.Process(ctx)

		d.buffers.MarkProcessed(key, ids)
		return nil
	})
	if err != nil {
		utils.Zlog.Error("Conversation processing failed",
			zap.String("tenant_id", cfg.ID),
			zap.String("sender", sender),
			zap.Error(err))
	}
}
