package tools

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/Conversly/wa-orchestrator/internal/llm"
	"github.com/Conversly/wa-orchestrator/internal/utils"
)

// Behavior tells the orchestrator what to do after a tool ran.
type Behavior int

const (
	// NoFollowUp: the tool finished the exchange; no further completion.
	NoFollowUp Behavior = iota
	// RequiresFollowUp: the orchestrator should run one more completion with
	// the tool's follow-up instructions and tools disabled.
	RequiresFollowUp
	// Custom: the tool handled its own response flow end to end.
	Custom
)

func (b Behavior) String() string {
	switch b {
	case NoFollowUp:
		return "no_follow_up"
	case RequiresFollowUp:
		return "requires_follow_up"
	case Custom:
		return "custom"
	default:
		return "unknown"
	}
}

// Result is the outcome of one tool execution.
type Result struct {
	Success              bool
	Data                 map[string]interface{}
	Err                  string
	Behavior             Behavior
	FollowUpInstructions string
}

// Failure builds a failed result with NoFollowUp behavior.
func Failure(errMsg string) Result {
	return Result{Success: false, Data: map[string]interface{}{}, Err: errMsg, Behavior: NoFollowUp}
}

// Reply describes what a turn should send, persist and remember. Nil fields
// fall through: DB defaults to Send, Context defaults to DB then Send.
type Reply struct {
	Send        *string
	DB          *string
	DBRole      schema.RoleType
	Context     *string
	ContextRole schema.RoleType
}

// Turn is the orchestrator-side surface a tool works against: the identity
// of the conversation being answered plus the primitives to complete, reply
// and leave notes.
type Turn interface {
	TenantID() string
	Sender() string
	ConversationID() string
	// Messages returns the conversation's durable message history.
	Messages() []*schema.Message
	Complete(ctx context.Context, req *llm.Request) (*llm.Completion, error)
	// Deliver sends/persists a reply, subject to the turn's staleness check.
	Deliver(ctx context.Context, r Reply) error
	// AuditFunction records a tool execution as a system message row.
	AuditFunction(ctx context.Context, name string, args map[string]interface{})
}

// Func is a registered tool implementation. It must not panic; errors are
// reported through the returned Result.
type Func func(ctx context.Context, turn Turn, args map[string]interface{}) Result

// Executor dispatches model tool calls to registered functions and owns the
// tenant's execution priority ordering.
type Executor struct {
	funcs    map[string]Func
	infos    []*schema.ToolInfo
	priority map[string]int
}

// unmapped tool names sort after every mapped one
const defaultPriority = 99

func NewExecutor(priority map[string]int) *Executor {
	return &Executor{
		funcs:    make(map[string]Func),
		priority: priority,
	}
}

// Register adds a tool function with its model-facing schema.
func (e *Executor) Register(info *schema.ToolInfo, fn Func) {
	e.funcs[info.Name] = fn
	e.infos = append(e.infos, info)
}

// Infos returns the tool schemas to bind to the chat model.
func (e *Executor) Infos() []*schema.ToolInfo {
	return e.infos
}

// Priority returns the execution priority for a tool name.
func (e *Executor) Priority(name string) int {
	if p, ok := e.priority[name]; ok {
		return p
	}
	return defaultPriority
}

// SortCalls orders tool calls by tenant priority, lowest first. The sort is
// stable so equal-priority calls keep the model's ordering.
func (e *Executor) SortCalls(calls []schema.ToolCall) []schema.ToolCall {
	sorted := append([]schema.ToolCall(nil), calls...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return e.Priority(sorted[i].Function.Name) < e.Priority(sorted[j].Function.Name)
	})
	return sorted
}

// Execute runs one tool call. Unknown names and bad argument payloads become
// failed results; they never abort the caller's loop.
func (e *Executor) Execute(ctx context.Context, turn Turn, call schema.ToolCall) Result {
	name := call.Function.Name
	fn, ok := e.funcs[name]
	if !ok {
		utils.Zlog.Warn("Model requested unknown function",
			zap.String("function", name),
			zap.String("tenant_id", turn.TenantID()))
		return Failure("Unknown function: " + name)
	}

	args := map[string]interface{}{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			utils.Zlog.Error("Failed to parse function arguments",
				zap.String("function", name),
				zap.Error(err))
			return Failure("Invalid arguments for " + name + ": " + err.Error())
		}
	}

	return fn(ctx, turn, args)
}
