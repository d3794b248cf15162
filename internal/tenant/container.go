package tenant

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Conversly/wa-orchestrator/internal/llm"
	"github.com/Conversly/wa-orchestrator/internal/tools"
	"github.com/Conversly/wa-orchestrator/internal/utils"
	"github.com/Conversly/wa-orchestrator/internal/whatsapp"
)

// Runtime bundles the per-tenant clients built from a Config: the chat model
// with the tenant's tools bound, the outbound WhatsApp client and the tool
// executor.
type Runtime struct {
	Config *Config
	LLM    llm.Client
	Out    whatsapp.Sender
	Tools  *tools.Executor
}

// BuildFunc constructs a Runtime for a tenant. Supplied at wiring time.
type BuildFunc func(ctx context.Context, cfg *Config) (*Runtime, error)

// Containers caches tenant runtimes for the process lifetime so model
// clients and HTTP clients are built once per tenant.
type Containers struct {
	build BuildFunc
	cache sync.Map // tenant id -> *Runtime
}

func NewContainers(build BuildFunc) *Containers {
	return &Containers{build: build}
}

// Runtime returns the cached runtime for a tenant, building it on first use.
// Concurrent first calls may build twice; the first stored wins.
func (c *Containers) Runtime(ctx context.Context, cfg *Config) (*Runtime, error) {
	if cached, ok := c.cache.Load(cfg.ID); ok {
		return cached.(*Runtime), nil
	}

	rt, err := c.build(ctx, cfg)
	if err != nil {
		return nil, err
	}

	actual, loaded := c.cache.LoadOrStore(cfg.ID, rt)
	if loaded {
		return actual.(*Runtime), nil
	}

	utils.Zlog.Info("Built tenant runtime",
		zap.String("tenant_id", cfg.ID),
		zap.String("tenant_name", cfg.Name),
		zap.String("model", cfg.Model))
	return rt, nil
}

// Invalidate drops a tenant's cached runtime so the next turn rebuilds it
// from the current config.
func (c *Containers) Invalidate(tenantID string) {
	c.cache.Delete(tenantID)
}
