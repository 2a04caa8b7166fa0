package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/agentruntime"
	"github.com/haasonsaas/nexus/internal/billing"
	"github.com/haasonsaas/nexus/internal/claims"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/datetime"
	"github.com/haasonsaas/nexus/internal/orchestration"
	"github.com/haasonsaas/nexus/internal/permission"
	"github.com/haasonsaas/nexus/internal/pending"
	"github.com/haasonsaas/nexus/internal/prompts"
	"github.com/haasonsaas/nexus/internal/rpc"
)

// registerRPCHandlers wires every method in the daemon's message set onto
// d.RPC. Handlers are kept intentionally thin: decode payload, call into
// the owning component, encode the result.
func registerRPCHandlers(d *Daemon) {
	d.RPC.Handle("ping", d.rpcPing)
	d.RPC.Handle("attach", d.rpcAttach)

	d.RPC.Handle("project.list", d.rpcProjectList)
	d.RPC.Handle("project.status", d.rpcProjectStatus)

	d.RPC.Handle("issue.list", d.rpcIssueList)
	d.RPC.Handle("issue.ready", d.rpcIssueReady)
	d.RPC.Handle("issue.get", d.rpcIssueGet)
	d.RPC.Handle("issue.create", d.rpcIssueCreate)
	d.RPC.Handle("issue.update", d.rpcIssueUpdate)
	d.RPC.Handle("issue.close", d.rpcIssueClose)
	d.RPC.Handle("issue.comment", d.rpcIssueComment)
	d.RPC.Handle("issue.commit", d.rpcIssueCommit)

	d.RPC.Handle("agent.list", d.rpcAgentList)
	d.RPC.Handle("agent.create", d.rpcAgentCreate)
	d.RPC.Handle("agent.abort", d.rpcAgentAbort)
	d.RPC.Handle("agent.send_message", d.rpcAgentSendMessage)
	d.RPC.Handle("agent.chat_history", d.rpcAgentChatHistory)
	d.RPC.Handle("agent.claim", d.rpcAgentClaim)

	d.RPC.Handle("orchestration.start", d.rpcOrchestrationStart)
	d.RPC.Handle("orchestration.stop", d.rpcOrchestrationStop)
	d.RPC.Handle("orchestration.status", d.rpcOrchestrationStatus)

	d.RPC.Handle("permission.request", d.rpcPermissionRequest)
	d.RPC.Handle("permission.respond", d.rpcPermissionRespond)
	d.RPC.Handle("permission.list", d.rpcPermissionList)

	d.RPC.Handle("question.request", d.rpcQuestionRequest)
	d.RPC.Handle("question.respond", d.rpcQuestionRespond)
	d.RPC.Handle("question.list", d.rpcQuestionList)

	d.RPC.Handle("claim.list", d.rpcClaimList)
	d.RPC.Handle("commit.list", d.rpcCommitList)
	d.RPC.Handle("stats", d.rpcStats)
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	err := json.Unmarshal(payload, &v)
	return v, err
}

func (d *Daemon) rpcPing(_ context.Context, _ *rpc.Conn, _ json.RawMessage) (any, error) {
	return map[string]any{"pong": true, "time_ms": time.Now().UnixMilli()}, nil
}

type attachReq struct {
	Projects []string `json:"projects"`
}

func (d *Daemon) rpcAttach(_ context.Context, conn *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[attachReq](payload)
	if err != nil {
		return nil, err
	}
	conn.Attach(req.Projects)
	return map[string]any{"attached": true}, nil
}

func (d *Daemon) rpcProjectList(_ context.Context, _ *rpc.Conn, _ json.RawMessage) (any, error) {
	return d.Config.Projects, nil
}

type projectReq struct {
	Project string `json:"project"`
}

func (d *Daemon) rpcProjectStatus(_ context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[projectReq](payload)
	if err != nil {
		return nil, err
	}
	p, ok := d.projectConfig(req.Project)
	if !ok {
		return nil, fmt.Errorf("unknown project %q", req.Project)
	}
	return map[string]any{
		"project":   p,
		"running":   d.Orch.IsRunning(req.Project),
		"active":    d.Runtime.ActiveCoding(req.Project),
		"max_agents": p.MaxAgents,
	}, nil
}

type issueListReq struct {
	Project string `json:"project"`
	Status  string `json:"status"`
}

func (d *Daemon) rpcIssueList(ctx context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[issueListReq](payload)
	if err != nil {
		return nil, err
	}
	b, err := d.Backend.get(req.Project)
	if err != nil {
		return nil, err
	}
	return b.List(ctx, req.Project, req.Status)
}

func (d *Daemon) rpcIssueReady(ctx context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[projectReq](payload)
	if err != nil {
		return nil, err
	}
	return d.Backend.ReadyIssues(ctx, req.Project)
}

type issueIDReq struct {
	Project string `json:"project"`
	ID      string `json:"id"`
}

func (d *Daemon) rpcIssueGet(ctx context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[issueIDReq](payload)
	if err != nil {
		return nil, err
	}
	b, err := d.Backend.get(req.Project)
	if err != nil {
		return nil, err
	}
	return b.Get(ctx, req.Project, req.ID)
}

type issueCreateReq struct {
	Project string              `json:"project"`
	Issue   orchestration.Issue `json:"issue"`
}

func (d *Daemon) rpcIssueCreate(ctx context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[issueCreateReq](payload)
	if err != nil {
		return nil, err
	}
	b, err := d.Backend.get(req.Project)
	if err != nil {
		return nil, err
	}
	return b.Create(ctx, req.Project, req.Issue)
}

func (d *Daemon) rpcIssueUpdate(ctx context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[issueCreateReq](payload)
	if err != nil {
		return nil, err
	}
	b, err := d.Backend.get(req.Project)
	if err != nil {
		return nil, err
	}
	return b.Update(ctx, req.Project, req.Issue.ID, req.Issue)
}

func (d *Daemon) rpcIssueClose(ctx context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[issueIDReq](payload)
	if err != nil {
		return nil, err
	}
	b, err := d.Backend.get(req.Project)
	if err != nil {
		return nil, err
	}
	if err := b.Close(ctx, req.Project, req.ID); err != nil {
		return nil, err
	}
	return map[string]any{"closed": true}, nil
}

type issueCommentReq struct {
	Project string `json:"project"`
	ID      string `json:"id"`
	Body    string `json:"body"`
}

func (d *Daemon) rpcIssueComment(ctx context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[issueCommentReq](payload)
	if err != nil {
		return nil, err
	}
	b, err := d.Backend.get(req.Project)
	if err != nil {
		return nil, err
	}
	if err := b.Comment(ctx, req.Project, req.ID, req.Body); err != nil {
		return nil, err
	}
	return map[string]any{"commented": true}, nil
}

type issueCommitReq struct {
	Project string `json:"project"`
	Message string `json:"message"`
}

func (d *Daemon) rpcIssueCommit(ctx context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[issueCommitReq](payload)
	if err != nil {
		return nil, err
	}
	b, err := d.Backend.get(req.Project)
	if err != nil {
		return nil, err
	}
	if err := b.Commit(ctx, req.Project, req.Message); err != nil {
		return nil, err
	}
	return map[string]any{"committed": true}, nil
}

func (d *Daemon) rpcAgentList(_ context.Context, _ *rpc.Conn, _ json.RawMessage) (any, error) {
	return d.Runtime.List(), nil
}

type agentCreateReq struct {
	Project    string `json:"project"`
	IssueID    string `json:"issue_id"`
	IssueTitle string `json:"issue_title"`
	Role       string `json:"role"`
	Backend    string `json:"backend"`
}

func (d *Daemon) rpcAgentCreate(ctx context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[agentCreateReq](payload)
	if err != nil {
		return nil, err
	}
	p, ok := d.projectConfig(req.Project)
	if !ok {
		return nil, fmt.Errorf("unknown project %q", req.Project)
	}

	role := orchestration.RoleCoding
	if req.Role != "" {
		role = orchestration.AgentRole(req.Role)
	}
	backendKind := orchestration.BackendClaude
	if req.Backend != "" {
		backendKind = orchestration.BackendKind(req.Backend)
	}

	rt, err := d.Runtime.Spawn(ctx, agentruntime.SpawnOptions{
		Project:      req.Project,
		IssueID:      req.IssueID,
		IssueTitle:   req.IssueTitle,
		Role:         role,
		Backend:      backendKind,
		SystemPrompt: prompts.System(role, req.Project),
	})
	if err != nil {
		if already, ok := err.(*claims.AlreadyClaimedError); ok {
			return nil, fmt.Errorf("issue already claimed by %s", already.Existing)
		}
		return nil, err
	}
	_ = p
	rec, _, _ := d.Runtime.Get(rt.ID)
	return rec, nil
}

type agentIDReq struct {
	AgentID string `json:"agent_id"`
}

func (d *Daemon) rpcAgentAbort(_ context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[agentIDReq](payload)
	if err != nil {
		return nil, err
	}
	if err := d.Runtime.Abort(req.AgentID); err != nil {
		return nil, err
	}
	return map[string]any{"aborted": true}, nil
}

type agentSendReq struct {
	AgentID string                    `json:"agent_id"`
	Message orchestration.ChatMessage `json:"message"`
}

func (d *Daemon) rpcAgentSendMessage(_ context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[agentSendReq](payload)
	if err != nil {
		return nil, err
	}
	if req.Message.Role == "" {
		req.Message.Role = orchestration.ChatRoleUser
	}
	if err := d.Runtime.Send(req.AgentID, req.Message); err != nil {
		return nil, err
	}
	return map[string]any{"sent": true}, nil
}

func (d *Daemon) rpcAgentChatHistory(_ context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[agentIDReq](payload)
	if err != nil {
		return nil, err
	}
	rec, chat, ok := d.Runtime.Get(req.AgentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", req.AgentID)
	}
	return map[string]any{"agent": rec, "chat": chat}, nil
}

func (d *Daemon) rpcAgentClaim(_ context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[issueIDReq](payload)
	if err != nil {
		return nil, err
	}
	agentID, ok := d.Claims.AgentFor(claims.Key{Project: req.Project, IssueID: req.ID})
	if !ok {
		return map[string]any{"claimed": false}, nil
	}
	return map[string]any{"claimed": true, "agent_id": agentID}, nil
}

func (d *Daemon) rpcOrchestrationStart(ctx context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[projectReq](payload)
	if err != nil {
		return nil, err
	}
	d.Orch.Start(ctx, req.Project)
	return map[string]any{"running": true}, nil
}

func (d *Daemon) rpcOrchestrationStop(_ context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[projectReq](payload)
	if err != nil {
		return nil, err
	}
	d.Orch.Stop(req.Project)
	return map[string]any{"running": false}, nil
}

func (d *Daemon) rpcOrchestrationStatus(_ context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[projectReq](payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": req.Project, "running": d.Orch.IsRunning(req.Project)}, nil
}

type permissionRequestReq struct {
	AgentID   string          `json:"agent_id"`
	Project   string          `json:"project"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	ToolUseID string          `json:"tool_use_id"`
}

// rpcPermissionRequest evaluates static rules immediately; if those don't
// decide it and the project is LLM-arbitrated, it calls the arbiter inline
// (the LLM round trip is itself the "pending" latency - there is no
// separate human-in-the-loop step once an LLM checker is configured).
// Manual-checker projects with no matching rule fall through to the
// pending table for an operator to answer via permission.respond.
func (d *Daemon) rpcPermissionRequest(ctx context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[permissionRequestReq](payload)
	if err != nil {
		return nil, err
	}
	p, ok := d.projectConfig(req.Project)
	if !ok {
		return nil, fmt.Errorf("unknown project %q", req.Project)
	}

	rec, _, _ := d.Runtime.Get(req.AgentID)
	pctx := permission.Context{
		AgentID:         req.AgentID,
		Project:         req.Project,
		Cwd:             rec.WorktreeDir,
		Home:            os.Getenv("HOME"),
		TaskDescription: rec.Description,
		Checker:         permission.Checker(p.PermChecker),
	}
	if pctx.Checker == permission.CheckerLLM {
		cred, err := config.ResolveCredential(d.Config, p, "")
		if err == nil {
			if provider, perr := d.llmProvider(cred); perr == nil {
				pctx.Provider = provider
				pctx.Model = cred.Model
			}
		}
	}

	decision, decided := permission.Decide(ctx, d.rules(req.Project), req.ToolName, req.ToolInput, req.ToolUseID, pctx)
	if decided {
		return decision, nil
	}

	id := uuid.NewString()
	await := d.PendingPermission.Insert(ctx, pending.Request[orchestration.PermissionDecision]{
		ID:            id,
		Project:       req.Project,
		RequestedAtMs: time.Now().UnixMilli(),
	})
	d.RPC.Broadcast("permission_requested", req.Project, orchestration.PermissionRequest{
		ID: id, AgentID: req.AgentID, Project: req.Project,
		ToolName: req.ToolName, ToolInput: req.ToolInput, ToolUseID: req.ToolUseID,
		RequestedAtMs: time.Now().UnixMilli(),
	})
	value, err := await()
	if err != nil {
		return orchestration.PermissionDecision{Behavior: "deny", Message: "request canceled"}, nil
	}
	return value, nil
}

type permissionRespondReq struct {
	ID       string                           `json:"id"`
	Decision orchestration.PermissionDecision `json:"decision"`
}

func (d *Daemon) rpcPermissionRespond(_ context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[permissionRespondReq](payload)
	if err != nil {
		return nil, err
	}
	if err := d.PendingPermission.Respond(req.ID, req.Decision); err != nil {
		return nil, err
	}
	return map[string]any{"responded": true}, nil
}

func (d *Daemon) rpcPermissionList(_ context.Context, _ *rpc.Conn, _ json.RawMessage) (any, error) {
	return d.PendingPermission.List(), nil
}

type questionRequestReq struct {
	AgentID string                     `json:"agent_id"`
	Project string                     `json:"project"`
	Items   []orchestration.QuestionItem `json:"items"`
}

func (d *Daemon) rpcQuestionRequest(ctx context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[questionRequestReq](payload)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	await := d.PendingQuestion.Insert(ctx, pending.Request[orchestration.UserQuestion]{
		ID:            id,
		Project:       req.Project,
		RequestedAtMs: time.Now().UnixMilli(),
		Value: orchestration.UserQuestion{
			ID: id, AgentID: req.AgentID, Project: req.Project,
			Items: req.Items, RequestedAtMs: time.Now().UnixMilli(),
		},
	})
	d.RPC.Broadcast("question_requested", req.Project, orchestration.UserQuestion{
		ID: id, AgentID: req.AgentID, Project: req.Project, Items: req.Items, RequestedAtMs: time.Now().UnixMilli(),
	})
	value, err := await()
	if err != nil {
		return nil, err
	}
	return value, nil
}

type questionRespondReq struct {
	ID     string            `json:"id"`
	Answer map[string]string `json:"answer"`
}

func (d *Daemon) rpcQuestionRespond(_ context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[questionRespondReq](payload)
	if err != nil {
		return nil, err
	}
	answered := orchestration.UserQuestion{ID: req.ID}
	if err := d.PendingQuestion.Respond(req.ID, answered); err != nil {
		return nil, err
	}
	return map[string]any{"responded": true}, nil
}

func (d *Daemon) rpcQuestionList(_ context.Context, _ *rpc.Conn, _ json.RawMessage) (any, error) {
	return d.PendingQuestion.List(), nil
}

func (d *Daemon) rpcClaimList(_ context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[projectReq](payload)
	if err != nil {
		return nil, err
	}
	if req.Project == "" {
		return d.Claims.List(), nil
	}
	return d.Claims.ListProject(req.Project), nil
}

type commitListReq struct {
	Project string `json:"project"`
	Limit   int    `json:"limit"`
}

// commitView adds an attached client's preferred "2 hours ago" framing to
// a raw commit record without disturbing commitlog's own storage shape.
type commitView struct {
	orchestration.CommitRecord
	MergedRelative string `json:"merged_relative"`
}

func (d *Daemon) rpcCommitList(_ context.Context, _ *rpc.Conn, payload json.RawMessage) (any, error) {
	req, err := decode[commitListReq](payload)
	if err != nil {
		return nil, err
	}
	recent := d.Commits.ListRecent(req.Project, req.Limit)
	now := time.Now()
	views := make([]commitView, len(recent))
	for i, rec := range recent {
		views[i] = commitView{
			CommitRecord:   rec,
			MergedRelative: datetime.FormatRelativeTime(time.UnixMilli(rec.MergedAtMs), now),
		}
	}
	return views, nil
}

func (d *Daemon) rpcStats(_ context.Context, _ *rpc.Conn, _ json.RawMessage) (any, error) {
	return map[string]any{
		"projects":           len(d.Config.Projects),
		"agents":             len(d.Runtime.List()),
		"claims":             len(d.Claims.List()),
		"usage_by_project":   d.Usage.GetProjectSummary(),
		"issue_backends":     d.Backend.circuitStats(),
		"billing_by_project": d.billingWindowsByProject(),
	}, nil
}

// billingWindowsByProject derives each project's current 5-hour billing
// window from its recent usage records, the same accounting unit the
// upstream providers bound usage by. A project with no recent records gets
// no entry rather than a synthetic empty window.
func (d *Daemon) billingWindowsByProject() map[string]billingWindowView {
	byProject := make(map[string][]time.Time)
	now := time.Now()
	for _, rec := range d.Usage.GetRecentRecords(0) {
		if rec.Project == "" {
			continue
		}
		byProject[rec.Project] = append(byProject[rec.Project], rec.Timestamp)
	}

	views := make(map[string]billingWindowView, len(byProject))
	for project, timestamps := range byProject {
		win := billing.CurrentBillingWindow(now, timestamps)
		var outputTokens int64
		if totals := d.Usage.GetProjectTotals(project); totals != nil {
			outputTokens = totals.OutputTokens
		}
		views[project] = billingWindowView{
			StartMs: win.Start.UnixMilli(),
			EndMs:   win.End.UnixMilli(),
			Percent: billing.PercentInt(outputTokens, defaultBillingLimits),
		}
	}
	return views
}

type billingWindowView struct {
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
	Percent int   `json:"percent"`
}

// defaultBillingLimits is the output-token allowance assumed for a single
// 5-hour window absent any per-provider limit configuration; it only scales
// the "percent" figure reported to attached clients.
var defaultBillingLimits = billing.Limits{OutputTokens: 1_000_000}
