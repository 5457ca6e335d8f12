package commands

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/MEKXH/giftbot/internal/config"
	"github.com/MEKXH/giftbot/internal/metrics"
	"github.com/MEKXH/giftbot/internal/state"
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

func TestStatusCommand_PrintsSections(t *testing.T) {
	setupHome(t)
	seedRequest(t, 9)

	output := captureOutput(t, func() {
		if err := runStatus(nil, nil); err != nil {
			t.Fatalf("runStatus error: %v", err)
		}
	})
	cleanOutput := stripANSI(output)

	for _, want := range []string{
		"giftbot Status",
		"Config",
		"Path:",
		"Mode:",
		"disabled",
		"Users:",
		"1 pending, 0 accepted",
		"Runtime Metrics",
		"no runtime data yet",
	} {
		if !strings.Contains(cleanOutput, want) {
			t.Fatalf("expected %q in status output, got: %s", want, cleanOutput)
		}
	}
}

func TestStatusCommand_ReportsRuntimeMetrics(t *testing.T) {
	setupHome(t)
	_, workspacePath, err := loadWorkspace()
	if err != nil {
		t.Fatalf("loadWorkspace: %v", err)
	}

	rm := metrics.NewRuntimeMetrics(workspacePath)
	if _, err := rm.RecordChannelSend(true); err != nil {
		t.Fatalf("RecordChannelSend: %v", err)
	}
	if _, err := rm.RecordChannelSend(false); err != nil {
		t.Fatalf("RecordChannelSend: %v", err)
	}
	if err := rm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	output := stripANSI(captureOutput(t, func() {
		if err := runStatus(nil, nil); err != nil {
			t.Fatalf("runStatus error: %v", err)
		}
	}))
	if !strings.Contains(output, "2 (50.0% failed)") {
		t.Fatalf("expected channel send stats, got: %s", output)
	}
}

func TestStatusCommand_ReportsDialoguesAndCron(t *testing.T) {
	setupHome(t)
	seedMaintenanceJobs(t)
	_, workspacePath, err := loadWorkspace()
	if err != nil {
		t.Fatalf("loadWorkspace: %v", err)
	}

	convs := state.NewManager(workspacePath, state.DefaultTTL, nil)
	if err := convs.Set(5, state.Conversation{Step: state.StepStarsAmount}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := convs.Set(6, state.Conversation{Step: state.StepPremiumDuration}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	output := stripANSI(captureOutput(t, func() {
		if err := runStatus(nil, nil); err != nil {
			t.Fatalf("runStatus error: %v", err)
		}
	}))
	for _, want := range []string{
		"Dialogues",
		"1 total, 1 enabled",
		"Next run:",
		"- " + expireSweepJobName,
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in status output, got: %s", want, output)
		}
	}
	if !regexp.MustCompile(`In progress:\s+2\b`).MatchString(output) {
		t.Fatalf("expected two dialogues in progress, got: %s", output)
	}
}

func TestStatusCommand_InvalidWorkspaceModeReturnsError(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)

	configPath := config.ConfigPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	raw := `{"workspace": {"mode": "elsewhere"}}`
	if err := os.WriteFile(configPath, []byte(raw), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err := runStatus(nil, nil)
	if err == nil {
		t.Fatal("expected invalid workspace error")
	}
}
