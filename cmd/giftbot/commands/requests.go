package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MEKXH/giftbot/internal/audit"
	"github.com/MEKXH/giftbot/internal/bus"
	"github.com/MEKXH/giftbot/internal/gifts"
	"github.com/MEKXH/giftbot/internal/lifecycle"
	"github.com/MEKXH/giftbot/internal/store"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func NewRequestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Inspect and resolve gift requests",
		Long: `Inspect and resolve gift requests directly in the record store.

These commands do not notify users. accept, complete and sweep refuse to run
while the bot holds the store; use the gateway API instead.`,
	}

	cmd.AddCommand(
		newRequestsListCmd(),
		newRequestsShowCmd(),
		newRequestsAcceptCmd(),
		newRequestsCompleteCmd(),
		newRequestsSweepCmd(),
	)

	return cmd
}

func newRequestsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, newest first",
		RunE:  runRequestsList,
	}
	cmd.Flags().String("status", "", "Only show requests with this status (pending|accepted|completed|expired)")
	cmd.Flags().Int64("user", 0, "Only show requests of this user id")
	cmd.Flags().Int("limit", 50, "Maximum number of rows (0 = all)")
	return cmd
}

func newRequestsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request_id>",
		Short: "Show one request and its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE:  runRequestsShow,
	}
}

func newRequestsAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <request_id>",
		Short: "Accept a pending request",
		Args:  cobra.ExactArgs(1),
		RunE:  runRequestsAccept,
	}
}

func newRequestsCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <request_id>",
		Short: "Close out a request and free the user's slot",
		Args:  cobra.ExactArgs(1),
		RunE:  runRequestsComplete,
	}
}

func newRequestsSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire pending requests older than a threshold",
		RunE:  runRequestsSweep,
	}
	cmd.Flags().Duration("older-than", 0, "Age threshold (defaults to lifecycle.expire_after_seconds)")
	return cmd
}

// auditPublisher records lifecycle events straight to the audit trail when
// no event bus is running.
type auditPublisher struct {
	w *audit.Writer
}

func (p auditPublisher) Publish(_ context.Context, ev bus.Event) error {
	return p.w.Append(audit.FromBusEvent(ev))
}

// offlineService opens the store with auto-accept disabled so no timers are
// armed by a one-shot command. Commands that change requests open it as the
// exclusive writer.
type offlineService struct {
	*gifts.Service
	store     *store.Store
	workspace string
	expire    time.Duration
}

func openOfflineService(ctx context.Context, write bool) (*offlineService, error) {
	cfg, workspacePath, err := loadWorkspace()
	if err != nil {
		return nil, err
	}
	open := openStore
	if write {
		open = openStoreExclusive
	}
	s, err := open(ctx, cfg, workspacePath)
	if err != nil {
		return nil, err
	}
	opts := giftsOptions(cfg)
	opts.DisableAutoAccept = true
	svc := gifts.NewService(s, auditPublisher{w: audit.NewWriter(workspacePath)}, opts)
	return &offlineService{
		Service:   svc,
		store:     s,
		workspace: workspacePath,
		expire:    time.Duration(cfg.Lifecycle.ExpireAfterSeconds) * time.Second,
	}, nil
}

func (o *offlineService) Close() {
	o.Service.Close()
	_ = o.store.Close()
}

func runRequestsList(cmd *cobra.Command, args []string) error {
	statusFilter, _ := cmd.Flags().GetString("status")
	userFilter, _ := cmd.Flags().GetInt64("user")
	limit, _ := cmd.Flags().GetInt("limit")

	svc, err := openOfflineService(commandContext(cmd), false)
	if err != nil {
		return err
	}
	defer svc.Close()

	users, err := svc.store.LoadAll(commandContext(cmd))
	if err != nil {
		return err
	}

	statusFilter = strings.ToLower(strings.TrimSpace(statusFilter))
	var reqs []store.Request
	for id, u := range users {
		if userFilter != 0 && id != userFilter {
			continue
		}
		for _, r := range u.History {
			if statusFilter != "" && string(r.Status) != statusFilter {
				continue
			}
			reqs = append(reqs, r)
		}
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID > reqs[j].ID
		}
		return reqs[i].CreatedAt.After(reqs[j].CreatedAt)
	})
	if limit > 0 && len(reqs) > limit {
		reqs = reqs[:limit]
	}

	if len(reqs) == 0 {
		fmt.Println("No requests.")
		return nil
	}
	printRequestTable(reqs)
	return nil
}

func printRequestTable(reqs []store.Request) {
	var (
		headerStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FAFAFA")).
				Background(lipgloss.Color("#8E4EC6")).
				Padding(0, 1).
				MarginBottom(1)

		wID      = 30
		wKind    = 8
		wUser    = 14
		wStatus  = 10
		wCreated = 17
		wBy      = 7

		colHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#8E4EC6")).
				Bold(true).
				MarginRight(1)

		cell = func(w int) lipgloss.Style { return lipgloss.NewStyle().Width(w).MarginRight(1) }

		statusColors = map[store.Status]lipgloss.Color{
			store.StatusPending:   lipgloss.Color("#D7A600"),
			store.StatusAccepted:  lipgloss.Color("#2E8B57"),
			store.StatusCompleted: lipgloss.Color("245"),
			store.StatusExpired:   lipgloss.Color("#C0392B"),
		}
	)

	fmt.Println(headerStyle.Render("Gift Requests"))

	headers := lipgloss.JoinHorizontal(lipgloss.Top,
		colHeaderStyle.Width(wID).Render("ID"),
		colHeaderStyle.Width(wKind).Render("KIND"),
		colHeaderStyle.Width(wUser).Render("USER"),
		colHeaderStyle.Width(wStatus).Render("STATUS"),
		colHeaderStyle.Width(wCreated).Render("CREATED"),
		colHeaderStyle.Width(wBy).Render("BY"),
	)
	fmt.Printf("  %s\n", headers)

	sepStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginRight(1)
	separator := lipgloss.JoinHorizontal(lipgloss.Top,
		sepStyle.Render(strings.Repeat("─", wID)),
		sepStyle.Render(strings.Repeat("─", wKind)),
		sepStyle.Render(strings.Repeat("─", wUser)),
		sepStyle.Render(strings.Repeat("─", wStatus)),
		sepStyle.Render(strings.Repeat("─", wCreated)),
		sepStyle.Render(strings.Repeat("─", wBy)),
	)
	fmt.Printf("  %s\n", separator)

	for _, r := range reqs {
		by := r.ResolvedBy
		if by == "" {
			by = "-"
		}
		row := lipgloss.JoinHorizontal(lipgloss.Top,
			cell(wID).Foreground(lipgloss.Color("245")).Render(truncate(r.ID, wID)),
			cell(wKind).Render(string(r.Kind)),
			cell(wUser).Render(fmt.Sprintf("%d", r.OwnerID)),
			cell(wStatus).Foreground(statusColors[r.Status]).Render(string(r.Status)),
			cell(wCreated).Render(r.CreatedAt.Local().Format("2006-01-02 15:04")),
			cell(wBy).Render(by),
		)
		fmt.Printf("  %s\n", row)
	}

	fmt.Println()
}

func runRequestsShow(cmd *cobra.Command, args []string) error {
	svc, err := openOfflineService(commandContext(cmd), false)
	if err != nil {
		return err
	}
	defer svc.Close()

	userID, req, err := svc.Lookup(commandContext(cmd), args[0])
	if err != nil {
		return requestError(args[0], err)
	}

	fmt.Printf("Request %s\n", req.ID)
	fmt.Printf("  Kind:    %s\n", req.Kind)
	fmt.Printf("  User:    %d", userID)
	if req.Payload.RequesterHandle != "" {
		fmt.Printf(" (@%s)", req.Payload.RequesterHandle)
	}
	fmt.Println()
	fmt.Printf("  Status:  %s\n", req.Status)
	fmt.Printf("  Created: %s\n", req.CreatedAt.Local().Format(time.RFC3339))
	if !req.ResolvedAt.IsZero() {
		fmt.Printf("  Resolved: %s by %s\n", req.ResolvedAt.Local().Format(time.RFC3339), req.ResolvedBy)
	}
	if !req.CompletedAt.IsZero() {
		fmt.Printf("  Completed: %s\n", req.CompletedAt.Local().Format(time.RFC3339))
	}
	switch req.Kind {
	case store.KindStars:
		fmt.Printf("  Amount:  %d\n", req.Payload.Amount)
		fmt.Printf("  Target:  %s\n", req.Payload.TargetHandle)
	case store.KindPremium:
		fmt.Printf("  Duration: %s\n", req.Payload.DurationName)
	}
	fmt.Printf("  Deliver: %s\n", req.Payload.DeliverAt)

	trail, err := audit.ReadForRequest(svc.workspace, req.ID)
	if err != nil {
		return fmt.Errorf("read audit trail: %w", err)
	}
	if len(trail) > 0 {
		fmt.Println("\nAudit:")
		for _, ev := range trail {
			line := fmt.Sprintf("  %s  %s", ev.Time.Local().Format("2006-01-02 15:04:05"), ev.Type)
			if ev.Actor != "" {
				line += " (" + ev.Actor + ")"
			}
			fmt.Println(line)
		}
	}
	return nil
}

func runRequestsAccept(cmd *cobra.Command, args []string) error {
	svc, err := openOfflineService(commandContext(cmd), true)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := bus.WithRequestID(commandContext(cmd), bus.NewRequestID())
	req, won, err := svc.Resolve(ctx, args[0], lifecycle.ActorAdmin)
	if err != nil {
		return requestError(args[0], err)
	}
	if !won {
		fmt.Printf("Request %s already %s (%s).\n", req.ID, req.Status, req.ResolvedBy)
		return nil
	}
	fmt.Printf("Request %s accepted.\n", req.ID)
	return nil
}

func runRequestsComplete(cmd *cobra.Command, args []string) error {
	svc, err := openOfflineService(commandContext(cmd), true)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := bus.WithRequestID(commandContext(cmd), bus.NewRequestID())
	req, err := svc.CompleteByID(ctx, args[0])
	if err != nil {
		return requestError(args[0], err)
	}
	fmt.Printf("Request %s completed; user %d can submit again.\n", req.ID, req.OwnerID)
	return nil
}

func runRequestsSweep(cmd *cobra.Command, args []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")

	svc, err := openOfflineService(commandContext(cmd), true)
	if err != nil {
		return err
	}
	defer svc.Close()

	if olderThan <= 0 {
		olderThan = svc.expire
	}
	if olderThan <= 0 {
		return fmt.Errorf("no threshold: pass --older-than or set lifecycle.expire_after_seconds")
	}

	n, err := svc.ExpireStale(commandContext(cmd), olderThan)
	if err != nil {
		return err
	}
	fmt.Printf("Expired %d request(s) older than %s.\n", n, olderThan)
	return nil
}

func requestError(requestID string, err error) error {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return fmt.Errorf("request %s not found", requestID)
	case errors.Is(err, lifecycle.ErrAlreadyResolved):
		return fmt.Errorf("request %s is already resolved", requestID)
	default:
		return err
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
