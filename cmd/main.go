package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Conversly/wa-orchestrator/internal/buffer"
	"github.com/Conversly/wa-orchestrator/internal/config"
	"github.com/Conversly/wa-orchestrator/internal/convo"
	"github.com/Conversly/wa-orchestrator/internal/core"
	"github.com/Conversly/wa-orchestrator/internal/email"
	"github.com/Conversly/wa-orchestrator/internal/llm"
	"github.com/Conversly/wa-orchestrator/internal/loaders"
	"github.com/Conversly/wa-orchestrator/internal/routes"
	"github.com/Conversly/wa-orchestrator/internal/tenant"
	"github.com/Conversly/wa-orchestrator/internal/tools"
	"github.com/Conversly/wa-orchestrator/internal/utils"
	"github.com/Conversly/wa-orchestrator/internal/webhook"
	"github.com/Conversly/wa-orchestrator/internal/whatsapp"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		fmt.Println("Warning: Error loading .env file", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	cleanup := utils.InitLogger(cfg)
	defer cleanup()

	utils.Zlog.Info("Starting application",
		zap.String("service", cfg.ServiceName),
		zap.String("environment", cfg.Environment),
		zap.String("port", cfg.ServerPort))

	db, err := loaders.NewPostgresClient(cfg.DatabaseURL, cfg.BatchSize)
	if err != nil {
		utils.Zlog.Error("Failed to create database client", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			utils.Zlog.Error("Error closing database connection", zap.Error(err))
		}
	}()

	store := core.NewMessageStore(db)
	defer core.StopMessageSaver()

	buffers := buffer.NewManager(cfg.BufferTTL, cfg.LockTTL, cfg.LockMaxWait, cfg.LockPollInterval)
	defer buffers.Stop()

	contexts := convo.NewStore(cfg.ContextTTL)
	defer contexts.Stop()

	registry, err := loadTenantRegistry(db)
	if err != nil {
		utils.Zlog.Error("Failed to load tenants", zap.Error(err))
		os.Exit(1)
	}

	mailSender := email.NewSMTPSender(cfg.SMTPServer, cfg.SMTPPort, cfg.SenderEmail, cfg.EmailPassword)
	containers := tenant.NewContainers(buildRuntime(cfg, mailSender))

	dispatcher := webhook.NewDispatcher(registry, containers, buffers, contexts, store, cfg.BlockedNumbers)
	webhookCtrl := webhook.NewController(dispatcher, registry, containers, buffers, contexts, store, cfg.VerifyToken)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	routes.SetupRoutes(router, db, cfg, webhookCtrl)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		utils.Zlog.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Zlog.Error("Failed to start server", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Zlog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		utils.Zlog.Error("Server forced to shutdown", zap.Error(err))
		os.Exit(1)
	}

	utils.Zlog.Info("Server exited")
}

// loadTenantRegistry reads active tenants from the database and builds the
// routing registry.
func loadTenantRegistry(db *loaders.PostgresClient) (*tenant.Registry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	records, err := db.LoadTenants(ctx)
	if err != nil {
		return nil, err
	}

	configs := make([]*tenant.Config, 0, len(records))
	for _, rec := range records {
		tc := &tenant.Config{
			ID:                   rec.ID,
			Name:                 rec.Name,
			PhoneNumber:          rec.PhoneNumber,
			PhoneNumberID:        rec.PhoneNumberID,
			AccessToken:          rec.AccessToken,
			Model:                rec.Model,
			Temperature:          rec.Temperature,
			Strategy:             tenant.InstructionsStrategy(rec.Strategy),
			BaseInstructions:     rec.BaseInstructions,
			CategoryInstructions: rec.CategoryInstructions,
			Toolset:              rec.Toolset,
		}
		if rec.VerifyToken != nil {
			tc.VerifyToken = *rec.VerifyToken
		}
		if rec.AdminEmail != nil {
			tc.AdminEmail = *rec.AdminEmail
		}
		if err := tc.Validate(); err != nil {
			utils.Zlog.Warn("Skipping invalid tenant",
				zap.String("tenant_id", rec.ID),
				zap.Error(err))
			continue
		}
		configs = append(configs, tc)
	}

	if len(configs) == 0 {
		return nil, fmt.Errorf("no valid active tenants")
	}

	utils.Zlog.Info("Tenants loaded", zap.Int("count", len(configs)))
	return tenant.NewRegistry(configs...), nil
}

// buildRuntime returns the per-tenant runtime factory: outbound WhatsApp
// client, tool executor for the tenant's toolset, and the chat model with
// those tools bound.
func buildRuntime(cfg *config.Config, mail email.Sender) tenant.BuildFunc {
	return func(ctx context.Context, tc *tenant.Config) (*tenant.Runtime, error) {
		out := whatsapp.NewClient(tc.PhoneNumberID, tc.AccessToken)

		var executor *tools.Executor
		switch tc.Toolset {
		case "emprendemy":
			executor = tools.NewEmprendemyExecutor(out, mail, tc.AdminEmail)
		case "":
			executor = tools.NewExecutor(nil)
		default:
			return nil, fmt.Errorf("unknown toolset %q for tenant %s", tc.Toolset, tc.ID)
		}

		temperature := tc.Temperature
		var maxTokens *int
		if tc.MaxTokens > 0 {
			maxTokens = &tc.MaxTokens
		}

		client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKeys, tc.Model, &temperature, maxTokens, executor.Infos())
		if err != nil {
			return nil, fmt.Errorf("failed to build chat model for tenant %s: %w", tc.ID, err)
		}

		return &tenant.Runtime{
			Config: tc,
			LLM:    client,
			Out:    out,
			Tools:  executor,
		}, nil
	}
}
