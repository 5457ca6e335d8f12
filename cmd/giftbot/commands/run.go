package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MEKXH/giftbot/internal/audit"
	"github.com/MEKXH/giftbot/internal/bot"
	"github.com/MEKXH/giftbot/internal/bus"
	"github.com/MEKXH/giftbot/internal/channel"
	"github.com/MEKXH/giftbot/internal/channel/telegram"
	"github.com/MEKXH/giftbot/internal/config"
	"github.com/MEKXH/giftbot/internal/cron"
	"github.com/MEKXH/giftbot/internal/gateway"
	"github.com/MEKXH/giftbot/internal/gifts"
	"github.com/MEKXH/giftbot/internal/metrics"
	"github.com/MEKXH/giftbot/internal/state"
	"github.com/MEKXH/giftbot/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const eventBuffer = 64

func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bot, the auto-accept timers and the operator gateway",
		RunE:  runServer,
	}

	return cmd
}

// botRuntime holds the long-lived components of a running bot.
type botRuntime struct {
	cfg       *config.Config
	workspace string

	store   *store.Store
	metrics *metrics.RuntimeMetrics
	events  *bus.EventBus
	msgBus  *bus.MessageBus
	gifts   *gifts.Service
	cron    *cron.Service
	audit   *audit.Writer
	convs   *state.Manager

	auditEvents  <-chan bus.Event
	notifyEvents <-chan bus.Event
}

// newRuntime opens the store and builds the lifecycle components. Event
// subscriptions are made here so nothing published during Start is lost.
func newRuntime(ctx context.Context, cfg *config.Config, workspacePath string) (*botRuntime, error) {
	rm := metrics.NewRuntimeMetrics(workspacePath)
	s, err := openStoreExclusive(ctx, cfg, workspacePath, store.WithObserver(rm))
	if err != nil {
		_ = rm.Close()
		return nil, err
	}

	events := bus.NewEventBus()
	rt := &botRuntime{
		cfg:         cfg,
		workspace:   workspacePath,
		store:       s,
		metrics:     rm,
		events:      events,
		msgBus:      bus.NewMessageBus(100),
		audit:       audit.NewWriter(workspacePath),
		auditEvents: events.Subscribe("audit", eventBuffer),
	}
	// Without a chat transport nobody reads notifications, and a blocked
	// subscriber would stall every publish.
	if cfg.Telegram.Enabled {
		rt.notifyEvents = events.Subscribe("notifier", eventBuffer)
	}

	opts := giftsOptions(cfg)
	opts.Observer = rm
	rt.gifts = gifts.NewService(s, events, opts)
	rm.TrackPendingTimers(rt.gifts.PendingTimers)

	rt.convs = state.NewManager(workspacePath, state.DefaultTTL, nil)
	if err := rt.convs.Load(); err != nil {
		slog.Warn("conversation state unavailable", "error", err)
	}

	rt.cron = cron.NewService(cronStorePath(workspacePath), maintenanceHandler(rt.gifts), nil)
	if err := rt.cron.Acquire(); err != nil {
		rt.Close()
		return nil, err
	}
	if err := ensureMaintenanceJobs(rt.cron, cfg); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close releases everything in dependency order. The event bus goes first so
// a timer blocked on a full subscriber can finish.
func (rt *botRuntime) Close() {
	rt.cron.Stop()
	rt.cron.Release()
	rt.events.Close()
	rt.gifts.Close()
	if err := rt.metrics.Close(); err != nil {
		slog.Warn("flush runtime metrics failed", "error", err)
	}
	if err := rt.store.Close(); err != nil {
		slog.Warn("close record store failed", "error", err)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, workspacePath, err := loadWorkspace()
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cfg, workspacePath)
	if err != nil {
		return err
	}
	defer rt.Close()

	g, gctx := errgroup.WithContext(ctx)

	chanMgr := channel.NewManager(rt.msgBus)
	chanMgr.SetRuntimeMetrics(rt.metrics)
	var notifier *bot.Notifier
	if cfg.Telegram.Enabled {
		tg := telegram.New(&cfg.Telegram, rt.msgBus)
		if err := tg.Connect(); err != nil {
			return err
		}
		chanMgr.Register(tg)
		notifier = startDialogue(gctx, g, rt, tg)
	} else {
		slog.Warn("telegram disabled; requests can only be handled through the gateway")
	}
	slog.Info("channels registered", "channels", chanMgr.Names())
	startDelivery(gctx, g, rt, chanMgr, notifier)

	if err := rt.gifts.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		chanMgr.StopAll(context.Background())
		return fmt.Errorf("reconcile pending requests: %w", err)
	}
	if err := rt.cron.Start(gctx); err != nil {
		slog.Warn("cron service failed to start", "error", err)
	}

	if cfg.Gateway.Enabled {
		gatewayServer := gateway.New(cfg.Gateway, rt.gifts, rt.metrics.Handler())
		g.Go(func() error {
			if err := gatewayServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gateway server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := gatewayServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("gateway shutdown failed", "error", err)
			}
			return nil
		})
		fmt.Printf("giftbot running. Gateway: http://%s\nPress Ctrl+C to stop.\n", gatewayServer.Addr())
	} else {
		fmt.Println("giftbot running. Press Ctrl+C to stop.")
	}

	runErr := g.Wait()
	if runErr != nil {
		slog.Error("server component failed", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down")
	chanMgr.StopAll(shutdownCtx)
	return runErr
}

// startDialogue runs the chat handler on g and returns the notifier for
// lifecycle events.
func startDialogue(ctx context.Context, g *errgroup.Group, rt *botRuntime, platform bot.Platform) *bot.Notifier {
	cfg := rt.cfg
	texts := bot.TextsFromConfig(cfg.Gifts)

	handler := bot.New(rt.gifts, platform, rt.convs, rt.msgBus, bot.Options{
		AdminID:           cfg.Telegram.AdminID,
		RequiredChannel:   cfg.Telegram.RequiredChannel,
		RequiredChannelID: cfg.Telegram.RequiredChannelID,
		MaxStars:          cfg.Gifts.MaxStars,
		PremiumOptions:    cfg.Gifts.PremiumOptions,
		AutoAcceptDelay:   autoAcceptNotice(cfg),
		Texts:             texts,
	})
	g.Go(func() error { return handler.Run(ctx, rt.msgBus.Inbound()) })

	return bot.NewNotifier(rt.gifts, platform, rt.msgBus, telegram.Name, cfg.Telegram.AdminID, texts)
}

// startDelivery runs everything that drains lifecycle events and outbound
// messages. Pending requests must not be reconciled before it is running:
// each reconciled request fans out into events and chat messages.
func startDelivery(ctx context.Context, g *errgroup.Group, rt *botRuntime, chanMgr *channel.Manager, notifier *bot.Notifier) {
	g.Go(func() error {
		rt.audit.Consume(ctx, rt.auditEvents)
		return nil
	})
	if notifier != nil && rt.notifyEvents != nil {
		g.Go(func() error { return notifier.Run(ctx, rt.notifyEvents) })
	}
	g.Go(func() error { return chanMgr.StartAll(ctx) })
	g.Go(func() error {
		chanMgr.RouteOutbound(ctx)
		return nil
	})
	// Once routing stops, release workers still publishing replies.
	g.Go(func() error {
		<-ctx.Done()
		rt.msgBus.Close()
		return nil
	})
}

func autoAcceptNotice(cfg *config.Config) time.Duration {
	if !cfg.Lifecycle.AutoAccept {
		return 0
	}
	return time.Duration(cfg.Lifecycle.AutoAcceptDelaySeconds) * time.Second
}
