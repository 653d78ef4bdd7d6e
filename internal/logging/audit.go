// Package logging - audit trail for side-effecting operations.
// Every tool invocation, LLM call, guardrail block, and human-feedback
// exchange is written as a JSON line so a run can be audited after the
// fact. Sensitive argument values are redacted by the caller before they
// reach this layer.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType identifies the kind of audited operation.
type AuditEventType string

const (
	// Tool execution
	AuditToolInvoke   AuditEventType = "tool_invoke"
	AuditToolComplete AuditEventType = "tool_complete"
	AuditToolError    AuditEventType = "tool_error"

	// File operations
	AuditFileRead  AuditEventType = "file_read"
	AuditFileWrite AuditEventType = "file_write"
	AuditFileError AuditEventType = "file_error"

	// LLM API
	AuditLLMRequest  AuditEventType = "llm_request"
	AuditLLMResponse AuditEventType = "llm_response"
	AuditLLMError    AuditEventType = "llm_error"

	// Guardrails
	AuditGuardPass  AuditEventType = "guard_pass"
	AuditGuardWarn  AuditEventType = "guard_warn"
	AuditGuardBlock AuditEventType = "guard_block"

	// Memory operations
	AuditMemoryStore  AuditEventType = "memory_store"
	AuditMemoryRecall AuditEventType = "memory_recall"

	// Human feedback
	AuditFeedbackRequest  AuditEventType = "feedback_request"
	AuditFeedbackResponse AuditEventType = "feedback_response"
	AuditFeedbackTimeout  AuditEventType = "feedback_timeout"

	// Flow lifecycle
	AuditRunStart        AuditEventType = "run_start"
	AuditRunEnd          AuditEventType = "run_end"
	AuditPhaseTransition AuditEventType = "phase_transition"
)

// AuditEvent is a structured audit log entry.
type AuditEvent struct {
	Timestamp  int64          `json:"ts"` // Unix milliseconds
	EventType  AuditEventType `json:"event"`
	ProjectID  string         `json:"project,omitempty"`
	Role       string         `json:"role,omitempty"`   // Worker role if applicable
	Target     string         `json:"target,omitempty"` // Path, tool name, phase, etc.
	Action     string         `json:"action,omitempty"`
	Success    bool           `json:"success"`
	DurationMs int64          `json:"dur_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	Message    string         `json:"msg,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger writes audit events, optionally scoped to a project and role.
type AuditLogger struct {
	projectID string
	role      string
}

// InitAudit opens the audit log file. No-op when debug mode is disabled.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))
	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	auditFile.WriteString(fmt.Sprintf("# Audit log started at %s\n", time.Now().Format(time.RFC3339)))
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithProject creates an audit logger scoped to a project run.
func AuditWithProject(projectID string) *AuditLogger {
	return &AuditLogger{projectID: projectID}
}

// AuditWithRole creates an audit logger scoped to a project and worker role.
func AuditWithRole(projectID, role string) *AuditLogger {
	return &AuditLogger{projectID: projectID, role: role}
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.ProjectID == "" {
		event.ProjectID = a.projectID
	}
	if event.Role == "" {
		event.Role = a.role
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// ToolInvoked records a tool invocation with redacted arguments.
func (a *AuditLogger) ToolInvoked(tool, action string, args map[string]any) {
	a.Log(AuditEvent{
		EventType: AuditToolInvoke,
		Target:    tool,
		Action:    action,
		Success:   true,
		Fields:    args,
	})
}

// ToolCompleted records a finished tool invocation.
func (a *AuditLogger) ToolCompleted(tool, action string, dur time.Duration, err error) {
	event := AuditEvent{
		EventType:  AuditToolComplete,
		Target:     tool,
		Action:     action,
		Success:    err == nil,
		DurationMs: dur.Milliseconds(),
	}
	if err != nil {
		event.EventType = AuditToolError
		event.Error = err.Error()
	}
	a.Log(event)
}

// LLMCall records a completed LLM call with token counts.
func (a *AuditLogger) LLMCall(model string, dur time.Duration, tokensIn, tokensOut int, err error) {
	event := AuditEvent{
		EventType:  AuditLLMResponse,
		Target:     model,
		Success:    err == nil,
		DurationMs: dur.Milliseconds(),
		Fields:     map[string]any{"tokens_in": tokensIn, "tokens_out": tokensOut},
	}
	if err != nil {
		event.EventType = AuditLLMError
		event.Error = err.Error()
	}
	a.Log(event)
}

// GuardVerdict records a guardrail outcome for a task.
func (a *AuditLogger) GuardVerdict(guard, taskID, status, message string) {
	eventType := AuditGuardPass
	switch status {
	case "warn":
		eventType = AuditGuardWarn
	case "fail":
		eventType = AuditGuardBlock
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Target:    taskID,
		Action:    guard,
		Success:   status != "fail",
		Message:   message,
	})
}
