package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/orchestration"
)

// decisionSchema is the JSON Schema the LLM's forced structured response
// must satisfy before its verdict is trusted.
const decisionSchemaDoc = `{
	"type": "object",
	"required": ["decision", "rationale"],
	"properties": {
		"decision": {"type": "string", "enum": ["safe", "unsafe", "unsure"]},
		"rationale": {"type": "string"}
	}
}`

var decisionSchema = mustCompileSchema(decisionSchemaDoc)

func mustCompileSchema(doc string) *jsonschema.Schema {
	compiled, err := jsonschema.CompileString("permission_decision.json", doc)
	if err != nil {
		panic(err)
	}
	return compiled
}

// llmDecision is the structured verdict the forced tool call returns.
type llmDecision struct {
	Decision  string `json:"decision"`
	Rationale string `json:"rationale"`
}

// Checker is how a project wants tool invocations authorized.
type Checker string

const (
	CheckerManual Checker = "manual"
	CheckerLLM    Checker = "llm"
)

// Context carries everything the arbiter needs about the requesting agent.
type Context struct {
	AgentID         string
	Project         string
	Cwd             string
	Home            string
	TaskDescription string
	RecentChat      []orchestration.ChatMessage
	Checker         Checker
	Provider        agent.LLMProvider
	Model           string
}

// Decide evaluates static rules first, then falls back to the LLM arbiter
// when Checker is llm and no rule decided. A manual checker with no rule
// match returns ok=false so the caller enqueues a PendingPermission instead.
func Decide(ctx context.Context, rules RuleSet, toolName string, rawInput json.RawMessage, toolUseID string, pctx Context) (decision orchestration.PermissionDecision, decided bool) {
	if action, rule, ok := rules.Evaluate(toolName, rawInput, pctx.Cwd, pctx.Home); ok {
		switch action {
		case ActionAllow:
			return orchestration.PermissionDecision{Behavior: "allow"}, true
		case ActionDeny:
			msg := "blocked by permission rule"
			if rule.Pattern != "" {
				msg = fmt.Sprintf("blocked by permission rule: %s %s", rule.Tool, rule.Pattern)
			}
			return orchestration.PermissionDecision{Behavior: "deny", Message: msg}, true
		}
	}

	if pctx.Checker != CheckerLLM || pctx.Provider == nil {
		return orchestration.PermissionDecision{}, false
	}

	verdict, err := decideWithLLM(ctx, pctx, toolName, rawInput)
	if err != nil {
		return orchestration.PermissionDecision{Behavior: "deny", Message: "LLM authorization failed - operation blocked"}, true
	}
	switch verdict.Decision {
	case "safe":
		return orchestration.PermissionDecision{Behavior: "allow"}, true
	case "unsafe":
		return orchestration.PermissionDecision{Behavior: "deny", Message: verdict.Rationale}, true
	default: // "unsure" or anything unrecognized
		return orchestration.PermissionDecision{Behavior: "deny", Message: "blocked by LLM arbiter: decision was unsure"}, true
	}
}

// decideWithLLM invokes the configured provider with a forced structured
// tool call and validates the result against decisionSchema before trusting it.
func decideWithLLM(ctx context.Context, pctx Context, toolName string, rawInput json.RawMessage) (llmDecision, error) {
	prompt := buildPrompt(pctx, toolName, rawInput)
	req := &agent.CompletionRequest{
		Model:     pctx.Model,
		System:    "You authorize tool calls for an autonomous coding agent. Classify the requested tool call as safe, unsafe, or unsure and always call the decision tool with your verdict.",
		Messages:  []agent.CompletionMessage{{Role: "user", Content: prompt}},
		Tools:     []agent.Tool{decisionTool{}},
		MaxTokens: 512,
	}

	chunks, err := pctx.Provider.Complete(ctx, req)
	if err != nil {
		return llmDecision{}, err
	}

	var toolInput json.RawMessage
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return llmDecision{}, chunk.Error
		}
		if chunk.ToolCall != nil {
			toolInput = chunk.ToolCall.Input
		}
	}
	if len(toolInput) == 0 {
		return llmDecision{}, fmt.Errorf("permission: provider returned no structured decision")
	}

	var decoded any
	if err := json.Unmarshal(toolInput, &decoded); err != nil {
		return llmDecision{}, fmt.Errorf("permission: invalid structured decision: %w", err)
	}
	if err := decisionSchema.Validate(decoded); err != nil {
		return llmDecision{}, fmt.Errorf("permission: structured decision failed schema: %w", err)
	}

	var verdict llmDecision
	if err := json.Unmarshal(toolInput, &verdict); err != nil {
		return llmDecision{}, err
	}
	return verdict, nil
}

func buildPrompt(pctx Context, toolName string, rawInput json.RawMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent task: %s\n\n", pctx.TaskDescription)
	b.WriteString("Recent conversation:\n")
	for _, m := range pctx.RecentChat {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "\nRequested tool: %s\nTool input: %s\n", toolName, string(rawInput))
	return b.String()
}

// decisionTool is the forced tool the LLM arbiter calls to return its verdict.
type decisionTool struct{}

func (decisionTool) Name() string        { return "report_decision" }
func (decisionTool) Description() string { return "Report the allow/deny classification for the requested tool call." }
func (decisionTool) Schema() []byte      { return []byte(decisionSchemaDoc) }
