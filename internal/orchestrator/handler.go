package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/Conversly/wa-orchestrator/internal/buffer"
	"github.com/Conversly/wa-orchestrator/internal/convo"
	"github.com/Conversly/wa-orchestrator/internal/llm"
	"github.com/Conversly/wa-orchestrator/internal/tenant"
	"github.com/Conversly/wa-orchestrator/internal/tools"
	"github.com/Conversly/wa-orchestrator/internal/utils"
	"github.com/Conversly/wa-orchestrator/internal/whatsapp"
)

// Store is the durable persistence surface a turn writes to.
type Store interface {
	SaveMessage(ctx context.Context, conversationID, messageUID, role, content string, metadata map[string]interface{}) error
	UpdateMessageMetadata(ctx context.Context, conversationID, messageID string, metadata map[string]interface{}) error
}

// TurnParams carries everything one turn needs.
type TurnParams struct {
	Tenant         *tenant.Config
	LLM            llm.Client
	Out            whatsapp.Sender
	Tools          *tools.Executor
	Buffers        *buffer.Manager
	Contexts       *convo.Store
	Store          Store
	Sender         string
	ConversationID string
	// ProcessingIDs are the buffered message ids this turn is answering.
	// Any unprocessed id outside this set makes the turn's reply stale.
	ProcessingIDs []string
}

// Handler runs one conversation turn: classify, build context, complete,
// dispatch tools or reply directly, optionally follow up, send.
type Handler struct {
	cfg      *tenant.Config
	llm      llm.Client
	out      whatsapp.Sender
	exec     *tools.Executor
	buffers  *buffer.Manager
	contexts *convo.Store
	store    Store

	sender         string
	conversationID string
	processingIDs  []string
	key            string
	replySent      bool
}

func NewHandler(p TurnParams) *Handler {
	return &Handler{
		cfg:            p.Tenant,
		llm:            p.LLM,
		out:            p.Out,
		exec:           p.Tools,
		buffers:        p.Buffers,
		contexts:       p.Contexts,
		store:          p.Store,
		sender:         p.Sender,
		conversationID: p.ConversationID,
		processingIDs:  p.ProcessingIDs,
		key:            buffer.Key(p.Sender, p.Tenant.ID),
	}
}

// Process runs the turn. Errors are contained here: a failed turn logs and,
// unless a reply already went out, sends the tenant's fallback message.
func (h *Handler) Process(ctx context.Context) {
	if err := h.run(ctx); err != nil {
		utils.Zlog.Error("Turn processing failed",
			zap.String("tenant_id", h.cfg.ID),
			zap.String("sender", h.sender),
			zap.Error(err))
		if !h.replySent {
			fallback := h.cfg.Fallback()
			if derr := h.Deliver(ctx, tools.Reply{Send: &fallback}); derr != nil {
				utils.Zlog.Error("Failed to deliver fallback message",
					zap.String("sender", h.sender),
					zap.Error(derr))
			}
		}
	}
}

func (h *Handler) run(ctx context.Context) error {
	contextMessages := h.contexts.Messages(h.cfg.ID, h.sender)

	if h.cfg.Strategy == tenant.StrategyClassified {
		scored := h.classify(ctx, contextMessages)
		if len(scored) > 0 {
			names := make([]string, len(scored))
			for i, s := range scored {
				names[i] = fmt.Sprintf("%s(%.2f)", s.Category, s.Confidence)
			}
			utils.Zlog.Info("Conversation classified",
				zap.String("tenant_id", h.cfg.ID),
				zap.Int("messages_analyzed", len(contextMessages)),
				zap.Strings("categories", names))

			h.writeClassificationMetadata(ctx, scored)

			categories := []string{"base"}
			for _, s := range scored {
				categories = append(categories, string(s.Category))
			}
			h.contexts.SetPrefixInstructions(h.cfg.ID, h.sender, h.cfg.Instructions(categories...))
		}
	} else {
		h.contexts.SetPrefixInstructions(h.cfg.ID, h.sender, h.cfg.Instructions("base"))
	}

	full := h.contexts.FullContext(h.cfg.ID, h.sender)

	completion, err := h.llm.Complete(ctx, &llm.Request{
		Messages:   full,
		ToolChoice: llm.ToolChoiceAuto,
	})
	if err != nil {
		return fmt.Errorf("completion failed: %w", err)
	}

	if len(completion.ToolCalls) == 0 {
		if completion.Content == "" {
			utils.Zlog.Warn("Empty completion content and no tool calls",
				zap.String("tenant_id", h.cfg.ID),
				zap.String("sender", h.sender))
			return nil
		}
		return h.Deliver(ctx, tools.Reply{
			Send: &completion.Content,
		})
	}

	return h.processToolCalls(ctx, completion.ToolCalls)
}

// writeClassificationMetadata records categories and confidence on every
// inbound message this turn is answering.
func (h *Handler) writeClassificationMetadata(ctx context.Context, scored []CategoryScore) {
	categoriesData := make([]map[string]interface{}, len(scored))
	for i, s := range scored {
		categoriesData[i] = map[string]interface{}{
			"category":   string(s.Category),
			"confidence": s.Confidence,
		}
	}
	for _, messageID := range h.processingIDs {
		if err := h.store.UpdateMessageMetadata(ctx, h.conversationID, messageID, map[string]interface{}{
			"categories": categoriesData,
		}); err != nil {
			utils.Zlog.Warn("Failed to write classification metadata",
				zap.String("message_id", messageID),
				zap.Error(err))
		}
	}
}

// processToolCalls executes the model's tool calls sequentially in tenant
// priority order. A failing tool never stops the rest; follow-up
// instructions accumulate across tools and trigger a single no-tools
// completion at the end.
func (h *Handler) processToolCalls(ctx context.Context, calls []schema.ToolCall) error {
	sorted := h.exec.SortCalls(calls)

	var followUps []string
	for _, call := range sorted {
		result := h.exec.Execute(ctx, h, call)
		if !result.Success {
			utils.Zlog.Error("Tool execution failed",
				zap.String("function", call.Function.Name),
				zap.String("tenant_id", h.cfg.ID),
				zap.String("error", result.Err))
			continue
		}
		if result.Behavior == tools.RequiresFollowUp {
			followUps = append(followUps, result.FollowUpInstructions)
			utils.Zlog.Info("Function requires follow up",
				zap.String("function", call.Function.Name))
		}
	}

	if len(followUps) > 0 {
		return h.followUp(ctx, followUps)
	}
	return nil
}

func (h *Handler) followUp(ctx context.Context, instructions []string) error {
	combined := strings.Join(
		append([]string{"Dale continuidad a la conversacion", h.cfg.BaseInstructions}, instructions...),
		"\n\n",
	)

	messages := append(
		[]*schema.Message{schema.SystemMessage(combined)},
		h.contexts.Messages(h.cfg.ID, h.sender)...,
	)

	completion, err := h.llm.Complete(ctx, &llm.Request{
		Messages:   messages,
		ToolChoice: llm.ToolChoiceNone,
	})
	if err != nil {
		return fmt.Errorf("follow-up completion failed: %w", err)
	}

	if completion.Content == "" {
		return nil
	}
	return h.Deliver(ctx, tools.Reply{Send: &completion.Content})
}

// Deliver sends, persists and remembers a reply. If a newer inbound message
// is already waiting in the buffer, the reply is stale and silently dropped;
// the next turn will answer the full picture.
func (h *Handler) Deliver(ctx context.Context, r tools.Reply) error {
	if h.buffers.HasNewPendingMessages(h.key, h.processingIDs) {
		utils.Zlog.Info("Discarding reply, new pending messages arrived",
			zap.String("tenant_id", h.cfg.ID),
			zap.String("sender", h.sender))
		return nil
	}

	if r.Send != nil {
		msgID, err := h.out.SendText(ctx, h.sender, *r.Send)
		if err != nil {
			return fmt.Errorf("failed to send reply: %w", err)
		}
		h.replySent = true
		utils.Zlog.Info("Reply sent",
			zap.String("tenant_id", h.cfg.ID),
			zap.String("sender", h.sender),
			zap.String("wa_message_id", msgID))
	}

	dbMsg := r.DB
	if dbMsg == nil {
		dbMsg = r.Send
	}
	if dbMsg != nil {
		role := r.DBRole
		if role == "" {
			role = schema.Assistant
		}
		if err := h.store.SaveMessage(ctx, h.conversationID, "", string(role), *dbMsg, map[string]interface{}{
			"is_response": true,
		}); err != nil {
			return fmt.Errorf("failed to save reply: %w", err)
		}
	}

	contextMsg := r.Context
	if contextMsg == nil {
		contextMsg = dbMsg
	}
	content := ""
	if contextMsg != nil {
		content = *contextMsg
	}
	role := r.ContextRole
	if role == "" {
		role = schema.Assistant
	}
	h.contexts.AddMessage(h.cfg.ID, h.sender, role, content)

	return nil
}

// tools.Turn implementation

func (h *Handler) TenantID() string       { return h.cfg.ID }
func (h *Handler) Sender() string         { return h.sender }
func (h *Handler) ConversationID() string { return h.conversationID }

func (h *Handler) Messages() []*schema.Message {
	return h.contexts.Messages(h.cfg.ID, h.sender)
}

func (h *Handler) Complete(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	return h.llm.Complete(ctx, req)
}

// AuditFunction saves a tool execution as a system message row.
func (h *Handler) AuditFunction(ctx context.Context, name string, args map[string]interface{}) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Function executed: " + name)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("\n - %s: %v", k, args[k]))
	}

	if err := h.store.SaveMessage(ctx, h.conversationID, "", string(schema.System), b.String(), map[string]interface{}{
		"is_response": true,
	}); err != nil {
		utils.Zlog.Warn("Failed to save function execution record",
			zap.String("function", name),
			zap.Error(err))
	}
}
