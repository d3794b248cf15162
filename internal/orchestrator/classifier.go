package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/Conversly/wa-orchestrator/internal/llm"
	"github.com/Conversly/wa-orchestrator/internal/utils"
)

// Category is a closed conversation topic set used to pick instruction
// sections for classified tenants.
type Category string

const (
	CategoryInitial       Category = "initial"
	CategoryAcademic      Category = "academic"
	CategoryPayment       Category = "payment"
	CategoryOperational   Category = "operational"
	CategoryInstitutional Category = "institutional"
	CategoryGeneral       Category = "general"
)

var validCategories = map[Category]struct{}{
	CategoryInitial:       {},
	CategoryAcademic:      {},
	CategoryPayment:       {},
	CategoryOperational:   {},
	CategoryInstitutional: {},
	CategoryGeneral:       {},
}

// CategoryScore pairs a category with the classifier's confidence.
type CategoryScore struct {
	Category   Category
	Confidence float64
}

const classifierSystemPrompt = `Clasificá la conversación delimitada por #### en una o más de estas categorías:
initial, academic, payment, operational, institutional, general.

Respondé únicamente con una lista JSON de categorías, por ejemplo: ["academic", "payment"].`

// classify runs the categorization completion over the current conversation.
// Returns nil when classification fails; the turn then proceeds without
// category-specific instructions.
func (h *Handler) classify(ctx context.Context, messages []*schema.Message) []CategoryScore {
	conversation := renderConversation(messages)

	// Deterministic and short: the answer is a tiny JSON list, so the tenant's
	// conversational temperature does not apply here.
	temperature := float32(0)
	maxTokens := 50

	completion, err := h.llm.Complete(ctx, &llm.Request{
		Messages: []*schema.Message{
			schema.SystemMessage(classifierSystemPrompt),
			schema.UserMessage("####\n" + conversation + "\n####"),
		},
		ToolChoice:  llm.ToolChoiceNone,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		utils.Zlog.Error("Classification completion failed",
			zap.String("tenant_id", h.cfg.ID),
			zap.Error(err))
		return nil
	}

	categories := NormalizeClassification(completion.Content)

	// Natural stop means the model finished its category list; anything else
	// (truncation, filtering) lowers confidence.
	confidence := 0.8
	if completion.FinishReason == "stop" {
		confidence = 1.0
	}

	scored := make([]CategoryScore, len(categories))
	for i, c := range categories {
		scored[i] = CategoryScore{Category: c, Confidence: confidence}
	}
	return scored
}

// NormalizeClassification parses the classifier's raw output into valid
// categories. Accepts a JSON list or an object with a "categories" field;
// unknown categories are dropped, and any failure falls back to [general].
func NormalizeClassification(content string) []Category {
	fallback := []Category{CategoryGeneral}

	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "Output:")
	content = strings.TrimSpace(content)

	var raw interface{}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		utils.Zlog.Error("Failed to parse classification response",
			zap.String("content", content),
			zap.Error(err))
		return fallback
	}

	var names []interface{}
	switch v := raw.(type) {
	case map[string]interface{}:
		if list, ok := v["categories"].([]interface{}); ok {
			names = list
		}
	case []interface{}:
		names = v
	default:
		return fallback
	}

	var valid []Category
	for _, n := range names {
		s, ok := n.(string)
		if !ok {
			continue
		}
		c := Category(strings.ToLower(strings.TrimSpace(s)))
		if _, ok := validCategories[c]; ok {
			valid = append(valid, c)
		} else {
			utils.Zlog.Warn("Invalid category ignored", zap.String("category", s))
		}
	}

	if len(valid) == 0 {
		return fallback
	}
	return valid
}

func renderConversation(messages []*schema.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	return strings.Join(lines, "\n")
}
