package tools

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conversly/wa-orchestrator/internal/llm"
)

// fakeTurn implements Turn for executor tests.
type fakeTurn struct {
	delivered []Reply
	audited   []string
}

func (f *fakeTurn) TenantID() string            { return "waba1" }
func (f *fakeTurn) Sender() string              { return "5491100000001" }
func (f *fakeTurn) ConversationID() string      { return "conv-1" }
func (f *fakeTurn) Messages() []*schema.Message { return nil }

func (f *fakeTurn) Deliver(_ context.Context, r Reply) error {
	f.delivered = append(f.delivered, r)
	return nil
}
func (f *fakeTurn) Complete(_ context.Context, _ *llm.Request) (*llm.Completion, error) {
	return &llm.Completion{Content: "ok"}, nil
}
func (f *fakeTurn) AuditFunction(_ context.Context, name string, _ map[string]interface{}) {
	f.audited = append(f.audited, name)
}

func call(name, args string) schema.ToolCall {
	return schema.ToolCall{
		ID:       "call-" + name,
		Function: schema.FunctionCall{Name: name, Arguments: args},
	}
}

func TestSortCallsByPriority(t *testing.T) {
	e := NewExecutor(EmprendemyPriority)

	sorted := e.SortCalls([]schema.ToolCall{
		call("send_sign_up_message", "{}"),
		call("some_unmapped_tool", "{}"),
		call("get_course_details", "{}"),
		call("send_emprendemy_contact", "{}"),
	})

	names := make([]string, len(sorted))
	for i, c := range sorted {
		names[i] = c.Function.Name
	}
	assert.Equal(t, []string{
		"get_course_details",
		"send_emprendemy_contact",
		"send_sign_up_message",
		"some_unmapped_tool",
	}, names)
}

func TestSortCallsStableForEqualPriority(t *testing.T) {
	e := NewExecutor(nil)

	sorted := e.SortCalls([]schema.ToolCall{
		call("first", "{}"),
		call("second", "{}"),
		call("third", "{}"),
	})

	assert.Equal(t, "first", sorted[0].Function.Name)
	assert.Equal(t, "second", sorted[1].Function.Name)
	assert.Equal(t, "third", sorted[2].Function.Name)
}

func TestExecuteUnknownFunction(t *testing.T) {
	e := NewExecutor(nil)
	turn := &fakeTurn{}

	result := e.Execute(context.Background(), turn, call("nope", "{}"))
	require.False(t, result.Success)
	assert.Equal(t, "Unknown function: nope", result.Err)
	assert.Equal(t, NoFollowUp, result.Behavior)
}

func TestExecuteInvalidArguments(t *testing.T) {
	e := NewExecutor(nil)
	e.Register(&schema.ToolInfo{Name: "echo"}, func(_ context.Context, _ Turn, _ map[string]interface{}) Result {
		t.Fatal("must not run with broken arguments")
		return Result{}
	})

	result := e.Execute(context.Background(), &fakeTurn{}, call("echo", "{not json"))
	require.False(t, result.Success)
	assert.Contains(t, result.Err, "Invalid arguments for echo")
}

func TestExecuteDispatchesArguments(t *testing.T) {
	e := NewExecutor(nil)
	var got map[string]interface{}
	e.Register(&schema.ToolInfo{Name: "echo"}, func(_ context.Context, _ Turn, args map[string]interface{}) Result {
		got = args
		return Result{Success: true, Behavior: RequiresFollowUp, FollowUpInstructions: "seguir"}
	})

	result := e.Execute(context.Background(), &fakeTurn{}, call("echo", `{"curso":"mecanica-bicicletas"}`))
	require.True(t, result.Success)
	assert.Equal(t, RequiresFollowUp, result.Behavior)
	assert.Equal(t, "seguir", result.FollowUpInstructions)
	assert.Equal(t, "mecanica-bicicletas", got["curso"])
}

func TestExecuteEmptyArguments(t *testing.T) {
	e := NewExecutor(nil)
	e.Register(&schema.ToolInfo{Name: "noargs"}, func(_ context.Context, _ Turn, args map[string]interface{}) Result {
		assert.Empty(t, args)
		return Result{Success: true}
	})

	result := e.Execute(context.Background(), &fakeTurn{}, call("noargs", ""))
	assert.True(t, result.Success)
}

func TestInfosReflectRegistrations(t *testing.T) {
	e := NewEmprendemyExecutor(nil, nil, "admin@emprendemy.com")

	names := make(map[string]bool)
	for _, info := range e.Infos() {
		names[info.Name] = true
	}
	for _, expected := range []string{
		"get_course_details",
		"get_course_price",
		"send_emprendemy_contact",
		"send_sign_up_message",
		"send_conversation_to_supervisor",
	} {
		assert.True(t, names[expected], "missing tool %s", expected)
	}
}

func TestBehaviorString(t *testing.T) {
	assert.Equal(t, "no_follow_up", NoFollowUp.String())
	assert.Equal(t, "requires_follow_up", RequiresFollowUp.String())
	assert.Equal(t, "custom", Custom.String())
}
