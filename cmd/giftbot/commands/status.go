package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MEKXH/giftbot/internal/config"
	"github.com/MEKXH/giftbot/internal/cron"
	"github.com/MEKXH/giftbot/internal/metrics"
	"github.com/MEKXH/giftbot/internal/state"
	"github.com/MEKXH/giftbot/internal/store"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	statusTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FAFAFA")).
				Background(lipgloss.Color("#8E4EC6")).
				Padding(0, 1)
	statusSectionStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#8E4EC6")).
				MarginTop(1)
	statusLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("245")).
				Width(14)
	statusOKStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#2E8B57"))
	statusWarnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#D7A600"))
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show giftbot configuration, store and runtime status",
		RunE:  runStatus,
	}
}

func statusLine(label, value string) {
	fmt.Printf("  %s %s\n", statusLabelStyle.Render(label+":"), value)
}

func okOrWarn(ok bool, good, bad string) string {
	if ok {
		return statusOKStyle.Render(good)
	}
	return statusWarnStyle.Render(bad)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, workspacePath, err := loadWorkspace()
	if err != nil {
		return err
	}

	fmt.Println(statusTitleStyle.Render("giftbot Status"))

	fmt.Println(statusSectionStyle.Render("Config"))
	_, statErr := os.Stat(config.ConfigPath())
	statusLine("Path", config.ConfigPath())
	statusLine("Status", okOrWarn(statErr == nil, "OK", "not found (run 'giftbot init')"))

	fmt.Println(statusSectionStyle.Render("Workspace"))
	_, statErr = os.Stat(workspacePath)
	statusLine("Path", workspacePath)
	statusLine("Status", okOrWarn(statErr == nil, "OK", "not found"))
	mode := strings.TrimSpace(cfg.Workspace.Mode)
	if mode == "" {
		mode = "default"
	}
	statusLine("Mode", mode)

	fmt.Println(statusSectionStyle.Render("Telegram"))
	switch {
	case !cfg.Telegram.Enabled:
		statusLine("Channel", statusWarnStyle.Render("disabled"))
	case strings.TrimSpace(cfg.Telegram.Token) == "":
		statusLine("Channel", statusWarnStyle.Render("enabled (missing token)"))
	default:
		statusLine("Channel", statusOKStyle.Render("enabled (ready)"))
	}
	statusLine("Admin", fmt.Sprintf("%d", cfg.Telegram.AdminID))
	gate := "off"
	if cfg.Telegram.RequiredChannelID != 0 {
		gate = fmt.Sprintf("%s (%d)", cfg.Telegram.RequiredChannel, cfg.Telegram.RequiredChannelID)
	}
	statusLine("Membership", gate)

	fmt.Println(statusSectionStyle.Render("Lifecycle"))
	if cfg.Lifecycle.AutoAccept {
		statusLine("Auto-accept", fmt.Sprintf("after %s", time.Duration(cfg.Lifecycle.AutoAcceptDelaySeconds)*time.Second))
	} else {
		statusLine("Auto-accept", "off")
	}
	if cfg.Lifecycle.ExpireAfterSeconds > 0 {
		statusLine("Expiry", fmt.Sprintf("after %s, sweep %s",
			time.Duration(cfg.Lifecycle.ExpireAfterSeconds)*time.Second, cfg.Lifecycle.SweepSchedule))
	} else {
		statusLine("Expiry", "off")
	}

	fmt.Println(statusSectionStyle.Render("Store"))
	statusLine("Backend", cfg.Storage.Backend)
	statusLine("Path", cfg.StoragePath(workspacePath))
	if counts, users, err := storeCounts(commandContext(cmd), cfg, workspacePath); err != nil {
		statusLine("Status", statusWarnStyle.Render("unavailable: "+err.Error()))
	} else {
		statusLine("Users", fmt.Sprintf("%d", users))
		statusLine("Requests", fmt.Sprintf("%d pending, %d accepted, %d completed, %d expired",
			counts[store.StatusPending], counts[store.StatusAccepted], counts[store.StatusCompleted], counts[store.StatusExpired]))
	}

	fmt.Println(statusSectionStyle.Render("Gateway"))
	if cfg.Gateway.Enabled {
		statusLine("Address", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port))
		if cfg.Gateway.Token != "" {
			statusLine("Auth", "token configured")
		} else {
			statusLine("Auth", statusWarnStyle.Render("no token (open)"))
		}
	} else {
		statusLine("Address", "disabled")
	}

	fmt.Println(statusSectionStyle.Render("Dialogues"))
	convs := state.NewManager(workspacePath, state.DefaultTTL, nil)
	if err := convs.Load(); err != nil {
		statusLine("Status", statusWarnStyle.Render("unavailable: "+err.Error()))
	} else {
		statusLine("In progress", fmt.Sprintf("%d", convs.Active()))
	}

	fmt.Println(statusSectionStyle.Render("Cron"))
	cronSvc := cron.NewService(cronStorePath(workspacePath), nil, nil)
	if err := cronSvc.Load(); err == nil {
		sum := cronSvc.Summary()
		statusLine("Jobs", fmt.Sprintf("%d total, %d enabled", sum.Total, sum.Enabled))
		if !sum.NextRun.IsZero() {
			statusLine("Next run", sum.NextRun.Local().Format(time.RFC3339))
		}
		for _, j := range cronSvc.ListJobs(true) {
			line := j.ScheduleDescription()
			if j.State.LastStatus != "" {
				line += ", last " + j.State.LastStatus
			}
			fmt.Printf("    - %s (%s)\n", j.Name, line)
		}
	} else {
		statusLine("Status", statusWarnStyle.Render("unavailable"))
	}

	fmt.Println(statusSectionStyle.Render("Runtime Metrics"))
	snap, err := metrics.ReadRuntimeSnapshot(workspacePath)
	switch {
	case err != nil:
		statusLine("Status", statusWarnStyle.Render("unreadable: "+err.Error()))
	case !snap.HasData():
		fmt.Println("  no runtime data yet")
	default:
		statusLine("Updated", snap.UpdatedAt.Local().Format(time.RFC3339))
		statusLine("Created", fmt.Sprintf("%d", snap.Requests.Created))
		statusLine("Resolved", fmt.Sprintf("%d (%.0f%% auto, %d duplicate)",
			snap.Requests.Resolved, snap.Requests.AutoRatio()*100, snap.Requests.DuplicateResolves))
		statusLine("Expired", fmt.Sprintf("%d", snap.Requests.Expired))
		statusLine("Store writes", fmt.Sprintf("%d (%d failed, max %dms)",
			snap.Store.Writes, snap.Store.Failures, snap.Store.MaxLatencyMs))
		statusLine("Sends", fmt.Sprintf("%d (%.1f%% failed)",
			snap.Channel.SendAttempts, snap.Channel.FailureRatio()*100))
	}
	fmt.Println()

	return nil
}

func storeCounts(ctx context.Context, cfg *config.Config, workspacePath string) (map[store.Status]int, int, error) {
	s, err := openStore(ctx, cfg, workspacePath)
	if err != nil {
		return nil, 0, err
	}
	defer s.Close()

	counts := map[store.Status]int{}
	users := 0
	err = s.View(func(sn store.Snapshot) error {
		users = sn.Len()
		for _, id := range sn.IDs() {
			u, _ := sn.User(id)
			for _, r := range u.History {
				counts[r.Status]++
			}
		}
		return nil
	})
	return counts, users, err
}
