package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitializeDisabledCreatesNothing(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir, Config{Debug: false}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	if _, err := os.Stat(filepath.Join(dir, "logs")); !os.IsNotExist(err) {
		t.Errorf("logs directory should not exist in production mode")
	}
	if IsDebugMode() {
		t.Error("debug mode should be disabled")
	}
	// Logging into a disabled system must be a safe no-op.
	Flow("this goes nowhere %d", 42)
}

func TestCategoryFiltering(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Debug:      true,
		Level:      "debug",
		Categories: map[string]bool{"flow": true, "crew": false},
	}
	if err := Initialize(dir, cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	if !IsCategoryEnabled(CategoryFlow) {
		t.Error("flow category should be enabled")
	}
	if IsCategoryEnabled(CategoryCrew) {
		t.Error("crew category should be disabled")
	}
	// Unlisted categories default to enabled.
	if !IsCategoryEnabled(CategoryMemory) {
		t.Error("unlisted category should default to enabled")
	}
}

func TestLoggerWritesToCategoryFile(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir, Config{Debug: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	Get(CategoryGuard).Info("verdict recorded: %s", "pass")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var found bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "guard") {
			found = true
			data, err := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if !strings.Contains(string(data), "verdict recorded: pass") {
				t.Errorf("log file missing message, got: %s", data)
			}
		}
	}
	if !found {
		t.Error("no guard category log file written")
	}
}

func TestAuditEvents(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir, Config{Debug: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()
	if err := InitAudit(); err != nil {
		t.Fatalf("InitAudit: %v", err)
	}
	defer CloseAudit()

	audit := AuditWithProject("proj-123")
	audit.ToolInvoked("filestore", "write", map[string]any{"path": "api/main.py"})
	audit.GuardVerdict("secret_detection", "task-1", "fail", "hardcoded secret")
	CloseAudit()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var content string
	for _, e := range entries {
		if strings.Contains(e.Name(), "audit") {
			data, _ := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
			content = string(data)
		}
	}
	if !strings.Contains(content, `"tool_invoke"`) {
		t.Errorf("audit log missing tool_invoke event: %s", content)
	}
	if !strings.Contains(content, `"guard_block"`) {
		t.Errorf("audit log missing guard_block event: %s", content)
	}
	if !strings.Contains(content, "proj-123") {
		t.Errorf("audit log missing project scope: %s", content)
	}
}
