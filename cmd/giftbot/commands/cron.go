package commands

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MEKXH/giftbot/internal/cron"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func NewCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage maintenance jobs",
		Long: `Manage the maintenance jobs the bot runs, such as the expiry sweep.

Jobs are referenced by id, id prefix or name. Commands that change jobs
refuse to run while the bot is running.`,
	}

	cmd.AddCommand(
		newCronListCmd(),
		newCronRunCmd(),
		newCronRemoveCmd(),
		newCronEnableCmd(),
		newCronDisableCmd(),
	)

	return cmd
}

func newCronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List maintenance jobs",
		RunE:  runCronList,
	}
}

func newCronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job>",
		Short: "Run a maintenance job now",
		Args:  cobra.ExactArgs(1),
		RunE:  runCronNow,
	}
}

func newCronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job>",
		Short: "Remove a maintenance job",
		Long: `Remove a maintenance job. The expiry sweep is registered again on the
next 'giftbot run' while lifecycle.expire_after_seconds is set; disable it
instead to keep it off.`,
		Args: cobra.ExactArgs(1),
		RunE: runCronRemove,
	}
}

func newCronEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <job>",
		Short: "Enable a maintenance job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCronSetEnabled(args[0], true)
		},
	}
}

func newCronDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <job>",
		Short: "Disable a maintenance job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCronSetEnabled(args[0], false)
		},
	}
}

// loadCronService opens the job file. With write set it takes the writer
// lock, which fails while the bot is running.
func loadCronService(write bool) (*cron.Service, error) {
	_, workspacePath, err := loadWorkspace()
	if err != nil {
		return nil, err
	}
	svc := cron.NewService(cronStorePath(workspacePath), nil, nil)
	if !write {
		return svc, svc.Load()
	}
	if err := acquireCronJobs(svc); err != nil {
		return nil, err
	}
	return svc, nil
}

func acquireCronJobs(svc *cron.Service) error {
	err := svc.Acquire()
	if errors.Is(err, cron.ErrLocked) {
		return fmt.Errorf("cron jobs are in use by another giftbot process; stop it first: %w", err)
	}
	return err
}

func runCronList(cmd *cobra.Command, args []string) error {
	svc, err := loadCronService(false)
	if err != nil {
		return err
	}

	jobs := svc.ListJobs(true)
	if len(jobs) == 0 {
		fmt.Println("No maintenance jobs. They are registered by 'giftbot run'.")
		return nil
	}

	var (
		headerStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FAFAFA")).
				Background(lipgloss.Color("#8E4EC6")).
				Padding(0, 1).
				MarginBottom(1)

		wID       = 10
		wName     = 16
		wSchedule = 20
		wNextRun  = 20
		wStatus   = 9
		wLast     = 28

		colHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#8E4EC6")).
				Bold(true).
				MarginRight(1)

		cell = func(w int) lipgloss.Style {
			return lipgloss.NewStyle().Width(w).MarginRight(1)
		}

		enabledColor  = lipgloss.Color("#2E8B57")
		disabledColor = lipgloss.Color("241")
		errorColor    = lipgloss.Color("#D7A600")
	)

	fmt.Println(headerStyle.Render("Maintenance Jobs"))

	headers := lipgloss.JoinHorizontal(lipgloss.Top,
		colHeaderStyle.Width(wID).Render("ID"),
		colHeaderStyle.Width(wName).Render("NAME"),
		colHeaderStyle.Width(wSchedule).Render("SCHEDULE"),
		colHeaderStyle.Width(wNextRun).Render("NEXT RUN"),
		colHeaderStyle.Width(wStatus).Render("STATUS"),
		colHeaderStyle.Width(wLast).Render("LAST RUN"),
	)
	fmt.Printf("  %s\n", headers)

	sepStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginRight(1)
	separator := lipgloss.JoinHorizontal(lipgloss.Top,
		sepStyle.Render(strings.Repeat("─", wID)),
		sepStyle.Render(strings.Repeat("─", wName)),
		sepStyle.Render(strings.Repeat("─", wSchedule)),
		sepStyle.Render(strings.Repeat("─", wNextRun)),
		sepStyle.Render(strings.Repeat("─", wStatus)),
		sepStyle.Render(strings.Repeat("─", wLast)),
	)
	fmt.Printf("  %s\n", separator)

	for _, j := range jobs {
		nextRun := "-"
		if next, ok := j.NextRun(); ok && j.Enabled {
			nextRun = next.Local().Format("2006-01-02 15:04:05")
		}

		statusText, statusColor := "enabled", enabledColor
		nameStyle := cell(wName)
		if !j.Enabled {
			statusText, statusColor = "disabled", disabledColor
			nameStyle = nameStyle.Foreground(disabledColor)
		}

		last, lastStyle := "-", cell(wLast)
		switch j.State.LastStatus {
		case "ok":
			last = "ok: " + j.State.LastResult
		case "error":
			last = "error: " + j.State.LastError
			lastStyle = lastStyle.Foreground(errorColor)
		}

		row := lipgloss.JoinHorizontal(lipgloss.Top,
			cell(wID).Foreground(lipgloss.Color("245")).Render(j.ID),
			nameStyle.Render(truncate(j.Name, wName)),
			cell(wSchedule).Render(truncate(j.ScheduleDescription(), wSchedule)),
			cell(wNextRun).Render(nextRun),
			cell(wStatus).Foreground(statusColor).Render(statusText),
			lastStyle.Render(truncate(last, wLast)),
		)
		fmt.Printf("  %s\n", row)
	}

	fmt.Println()
	return nil
}

func runCronRemove(cmd *cobra.Command, args []string) error {
	svc, err := loadCronService(true)
	if err != nil {
		return err
	}
	defer svc.Release()

	job, err := svc.RemoveJob(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Job %s (%s) removed.\n", job.ID, job.Name)
	return nil
}

func runCronSetEnabled(ref string, enabled bool) error {
	svc, err := loadCronService(true)
	if err != nil {
		return err
	}
	defer svc.Release()

	job, err := svc.EnableJob(ref, enabled)
	if err != nil {
		return err
	}
	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	fmt.Printf("Job %s (%s) %s.\n", job.ID, job.Name, state)
	return nil
}

// runCronNow executes a job against the record store, which must not be held
// by a running bot.
func runCronNow(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	offline, err := openOfflineService(ctx, true)
	if err != nil {
		return err
	}
	defer offline.Close()

	svc := cron.NewService(cronStorePath(offline.workspace), maintenanceHandler(offline.Service), nil)
	if err := acquireCronJobs(svc); err != nil {
		return err
	}
	defer svc.Release()

	start := time.Now()
	job, err := svc.RunJob(ctx, args[0])
	if err != nil {
		return err
	}
	if job.State.LastStatus == "error" {
		return fmt.Errorf("job %s (%s) failed: %s", job.ID, job.Name, job.State.LastError)
	}
	fmt.Printf("Job %s (%s) ran in %s: %s\n", job.ID, job.Name, time.Since(start).Round(time.Millisecond), job.State.LastResult)
	return nil
}
