package webhook

import (
	"go.uber.org/zap"

	"github.com/Conversly/wa-orchestrator/internal/tenant"
	"github.com/Conversly/wa-orchestrator/internal/utils"
)

// Meta error codes that point at a broken template rather than a transient
// delivery problem.
const (
	codeTemplateRevisionA    = "131047"
	codeTemplateRevisionB    = "131048"
	codeTemplateNotFound     = "131032"
	codeTemplateParamsBroken = "132000"
)

// handleStatuses logs delivery status transitions. Failed statuses get their
// error details expanded; template failures additionally name the template
// so operators can fix it in the business manager.
func (d *Dispatcher) handleStatuses(cfg *tenant.Config, statuses []Status) {
	for _, st := range statuses {
		if st.Status == "delivered" {
			utils.Zlog.Info("Message delivered",
				zap.String("tenant_id", cfg.ID),
				zap.String("wa_message_id", st.ID),
				zap.String("recipient", st.RecipientID))
			continue
		}
		if st.Status != "failed" {
			continue
		}

		if len(st.Errors) == 0 {
			utils.Zlog.Error("Message failed without error details",
				zap.String("tenant_id", cfg.ID),
				zap.String("wa_message_id", st.ID),
				zap.String("recipient", st.RecipientID))
			continue
		}

		for _, e := range st.Errors {
			utils.Zlog.Error("Message delivery failed",
				zap.String("tenant_id", cfg.ID),
				zap.String("wa_message_id", st.ID),
				zap.String("recipient", st.RecipientID),
				zap.String("code", e.Code.String()),
				zap.String("title", e.Title),
				zap.String("message", e.Message))

			templateName := ""
			if st.Message.Type == "template" {
				templateName = st.Message.Template.Name
			}

			switch e.Code.String() {
			case codeTemplateRevisionA, codeTemplateRevisionB:
				utils.Zlog.Error("Template needs revision",
					zap.String("tenant_id", cfg.ID),
					zap.String("template", templateName),
					zap.String("code", e.Code.String()))
			case codeTemplateNotFound:
				utils.Zlog.Error("Template does not exist for this account",
					zap.String("tenant_id", cfg.ID),
					zap.String("template", templateName))
			case codeTemplateParamsBroken:
				utils.Zlog.Error("Template parameter count mismatch",
					zap.String("tenant_id", cfg.ID),
					zap.String("template", templateName))
			}
		}
	}
}

// handleTemplateQuality logs template quality score transitions and warns on
// degradations from GREEN, which put the template at risk of being paused.
func (d *Dispatcher) handleTemplateQuality(cfg *tenant.Config, v Value) {
	utils.Zlog.Info("Template quality update",
		zap.String("tenant_id", cfg.ID),
		zap.String("template", v.MessageTemplateName),
		zap.String("language", v.MessageTemplateLanguage),
		zap.String("transition", v.PreviousQualityScore+" -> "+v.NewQualityScore))

	if v.PreviousQualityScore == "GREEN" && (v.NewQualityScore == "YELLOW" || v.NewQualityScore == "RED") {
		utils.Zlog.Warn("Template quality degraded",
			zap.String("tenant_id", cfg.ID),
			zap.String("template", v.MessageTemplateName),
			zap.String("new_quality_score", v.NewQualityScore))
	}
}
