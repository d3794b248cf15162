package tenant

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		ID:            "waba1",
		Name:          "Test",
		PhoneNumber:   "5491100000000",
		PhoneNumberID: "pn1",
		AccessToken:   "token",
		Model:         "gemini-2.0-flash",
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	broken := validConfig()
	broken.AccessToken = ""
	err := broken.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access_token")
}

func TestFallback(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "Lo siento, hubo un problema procesando tu mensaje. ¿Podrías repetirlo?", cfg.Fallback())

	cfg.FallbackMessage = "Probá de nuevo."
	assert.Equal(t, "Probá de nuevo.", cfg.Fallback())
}

func TestInstructionsSingleStrategy(t *testing.T) {
	cfg := validConfig()
	cfg.Strategy = StrategySingle
	cfg.BaseInstructions = "Sos un asistente."

	// Categories are ignored under the single strategy.
	msgs := cfg.Instructions("base", "payment")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Sos un asistente.", msgs[0].Content)

	cfg.BaseInstructions = ""
	assert.Nil(t, cfg.Instructions("base"))
}

func TestInstructionsClassifiedStrategy(t *testing.T) {
	cfg := validConfig()
	cfg.Strategy = StrategyClassified
	cfg.BaseInstructions = "Sos un asistente."
	cfg.CategoryInstructions = map[string]string{
		"payment":  "Hablá de pagos.",
		"academic": "Hablá de cursos.",
	}

	msgs := cfg.Instructions("base", "payment", "academic")
	require.Len(t, msgs, 1)
	content := msgs[0].Content
	assert.Contains(t, content, "Sos un asistente.")
	assert.Contains(t, content, "Instructions for payment:\nHablá de pagos.")
	assert.Contains(t, content, "Instructions for academic:\nHablá de cursos.")
	// Sections keep the requested order.
	assert.Less(t,
		strings.Index(content, "Instructions for payment:"),
		strings.Index(content, "Instructions for academic:"),
	)

	// Unknown categories contribute nothing.
	msgs = cfg.Instructions("nonsense")
	assert.Nil(t, msgs)
}

func TestRegistryResolve(t *testing.T) {
	a := validConfig()
	b := validConfig()
	b.ID = "waba2"
	b.PhoneNumberID = "pn2"

	r := NewRegistry(a, b)

	got, ok := r.Resolve("waba2", "")
	require.True(t, ok)
	assert.Equal(t, "waba2", got.ID)

	// Falls back to the phone number id.
	got, ok = r.Resolve("unknown", "pn1")
	require.True(t, ok)
	assert.Equal(t, "waba1", got.ID)

	_, ok = r.Resolve("unknown", "unknown")
	assert.False(t, ok)

	assert.Len(t, r.All(), 2)
}

func TestContainersCacheAndInvalidate(t *testing.T) {
	builds := 0
	c := NewContainers(func(_ context.Context, cfg *Config) (*Runtime, error) {
		builds++
		return &Runtime{Config: cfg}, nil
	})

	cfg := validConfig()
	first, err := c.Runtime(context.Background(), cfg)
	require.NoError(t, err)
	second, err := c.Runtime(context.Background(), cfg)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, builds)

	c.Invalidate(cfg.ID)
	_, err = c.Runtime(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
}

func TestContainersBuildError(t *testing.T) {
	c := NewContainers(func(_ context.Context, _ *Config) (*Runtime, error) {
		return nil, errors.New("no api key")
	})

	_, err := c.Runtime(context.Background(), validConfig())
	assert.Error(t, err)
}
