package tenant

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// InstructionsStrategy selects how a tenant's system instructions are built
// per turn.
type InstructionsStrategy string

const (
	// StrategySingle: one fixed instruction block for every turn.
	StrategySingle InstructionsStrategy = "single"
	// StrategyClassified: the turn is classified first and instruction
	// sections are assembled per category.
	StrategyClassified InstructionsStrategy = "classified"
)

// Config is one WhatsApp Business Account the service answers for.
type Config struct {
	ID            string // WhatsApp business account id, the routing key
	Name          string
	PhoneNumber   string
	PhoneNumberID string
	AccessToken   string
	VerifyToken   string

	Model       string
	Temperature float32
	MaxTokens   int

	Strategy             InstructionsStrategy
	BaseInstructions     string
	CategoryInstructions map[string]string

	// Toolset names the registered tool bundle for this tenant; empty means
	// no tools.
	Toolset    string
	AdminEmail string

	// FallbackMessage is sent when a turn fails before any reply went out.
	FallbackMessage string
}

const defaultFallbackMessage = "Lo siento, hubo un problema procesando tu mensaje. ¿Podrías repetirlo?"

func (c *Config) Validate() error {
	required := map[string]string{
		"id":              c.ID,
		"name":            c.Name,
		"phone_number":    c.PhoneNumber,
		"phone_number_id": c.PhoneNumberID,
		"access_token":    c.AccessToken,
		"model":           c.Model,
	}
	for field, value := range required {
		if value == "" {
			return fmt.Errorf("tenant config missing %s", field)
		}
	}
	return nil
}

// Fallback returns the tenant's apology message for failed turns.
func (c *Config) Fallback() string {
	if c.FallbackMessage != "" {
		return c.FallbackMessage
	}
	return defaultFallbackMessage
}

// Instructions builds the prefix instruction messages for a turn. With the
// single strategy, categories are ignored and the base block is returned.
// With the classified strategy, each requested category contributes a
// labeled section ("base" stays unlabeled) and the sections are combined
// into one system message, in the order the categories were passed.
func (c *Config) Instructions(categories ...string) []*schema.Message {
	if c.Strategy != StrategyClassified {
		if c.BaseInstructions == "" {
			return nil
		}
		return []*schema.Message{schema.SystemMessage(c.BaseInstructions)}
	}

	var sections []string
	for _, category := range categories {
		if category == "base" {
			if c.BaseInstructions != "" {
				sections = append(sections, c.BaseInstructions)
			}
			continue
		}
		if content, ok := c.CategoryInstructions[category]; ok {
			sections = append(sections, fmt.Sprintf("Instructions for %s:\n%s", category, content))
		}
	}

	if len(sections) == 0 {
		return nil
	}
	return []*schema.Message{schema.SystemMessage(strings.Join(sections, "\n\n"))}
}

// Registry resolves tenants by routing keys. Built once at startup.
type Registry struct {
	byID            map[string]*Config
	byPhoneNumberID map[string]*Config
	order           []*Config
}

func NewRegistry(configs ...*Config) *Registry {
	r := &Registry{
		byID:            make(map[string]*Config, len(configs)),
		byPhoneNumberID: make(map[string]*Config, len(configs)),
	}
	for _, cfg := range configs {
		r.byID[cfg.ID] = cfg
		r.byPhoneNumberID[cfg.PhoneNumberID] = cfg
		r.order = append(r.order, cfg)
	}
	return r
}

// Resolve finds the tenant for a webhook payload: business account id first,
// phone number id second.
func (r *Registry) Resolve(businessAccountID, phoneNumberID string) (*Config, bool) {
	if cfg, ok := r.byID[businessAccountID]; ok {
		return cfg, true
	}
	if cfg, ok := r.byPhoneNumberID[phoneNumberID]; ok {
		return cfg, true
	}
	return nil, false
}

// Get returns a tenant by its business account id.
func (r *Registry) Get(tenantID string) (*Config, bool) {
	cfg, ok := r.byID[tenantID]
	return cfg, ok
}

// All returns every registered tenant in registration order.
func (r *Registry) All() []*Config {
	return r.order
}
