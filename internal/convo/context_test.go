package convo

import (
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(time.Minute)
	t.Cleanup(s.Stop)
	return s
}

func TestFullContextOrdering(t *testing.T) {
	s := newTestStore(t)

	s.AddMessage("waba1", "549", schema.User, "hola")
	s.AddMessage("waba1", "549", schema.Assistant, "buenas")
	s.AddTempContext("waba1", "549", "nota temporal")
	s.SetPrefixInstructions("waba1", "549", []*schema.Message{
		schema.SystemMessage("instrucciones"),
	})

	full := s.FullContext("waba1", "549")
	require.Len(t, full, 4)
	// prefix, then temp, then durable history
	assert.Equal(t, schema.System, full[0].Role)
	assert.Equal(t, "instrucciones", full[0].Content)
	assert.Equal(t, schema.System, full[1].Role)
	assert.Equal(t, "nota temporal", full[1].Content)
	assert.Equal(t, schema.User, full[2].Role)
	assert.Equal(t, schema.Assistant, full[3].Role)
}

func TestSetPrefixInstructionsReplaces(t *testing.T) {
	s := newTestStore(t)

	s.SetPrefixInstructions("waba1", "549", []*schema.Message{
		schema.SystemMessage("primera"),
	})
	s.SetPrefixInstructions("waba1", "549", []*schema.Message{
		schema.SystemMessage("segunda"),
	})

	full := s.FullContext("waba1", "549")
	require.Len(t, full, 1)
	assert.Equal(t, "segunda", full[0].Content)
}

func TestMessagesExcludesPrefixAndTemp(t *testing.T) {
	s := newTestStore(t)

	s.SetPrefixInstructions("waba1", "549", []*schema.Message{
		schema.SystemMessage("instrucciones"),
	})
	s.AddTempContext("waba1", "549", "nota")
	s.AddMessage("waba1", "549", schema.User, "hola")

	messages := s.Messages("waba1", "549")
	require.Len(t, messages, 1)
	assert.Equal(t, schema.User, messages[0].Role)
	assert.Equal(t, "hola", messages[0].Content)
}

func TestMessagesReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	s.AddMessage("waba1", "549", schema.User, "hola")

	got := s.Messages("waba1", "549")
	got[0] = schema.UserMessage("mutado")

	again := s.Messages("waba1", "549")
	assert.Equal(t, "hola", again[0].Content)
}

func TestClearLayers(t *testing.T) {
	s := newTestStore(t)
	s.SetPrefixInstructions("waba1", "549", []*schema.Message{schema.SystemMessage("ins")})
	s.AddTempContext("waba1", "549", "nota")
	s.AddMessage("waba1", "549", schema.User, "hola")

	s.ClearTempContext("waba1", "549")
	assert.Len(t, s.FullContext("waba1", "549"), 2)

	s.ClearPrefixInstructions("waba1", "549")
	assert.Len(t, s.FullContext("waba1", "549"), 1)
}

func TestResetConversation(t *testing.T) {
	s := newTestStore(t)
	s.AddMessage("waba1", "549", schema.User, "hola")
	s.AddMessage("waba1", "111", schema.User, "otra conversacion")

	s.ResetConversation("waba1", "549")
	assert.Empty(t, s.FullContext("waba1", "549"))
	assert.Len(t, s.FullContext("waba1", "111"), 1)
}

func TestConversationsIsolatedByTenant(t *testing.T) {
	s := newTestStore(t)
	s.AddMessage("waba1", "549", schema.User, "a")
	s.AddMessage("waba2", "549", schema.User, "b")

	assert.Len(t, s.Messages("waba1", "549"), 1)
	assert.Equal(t, "a", s.Messages("waba1", "549")[0].Content)
	assert.Equal(t, "b", s.Messages("waba2", "549")[0].Content)
}
