package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MEKXH/giftbot/internal/config"
	"github.com/MEKXH/giftbot/internal/cron"
	"github.com/MEKXH/giftbot/internal/gifts"
	"github.com/MEKXH/giftbot/internal/store"
	"github.com/spf13/cobra"
)

const expireSweepJobName = "expire-sweep"

// commandContext returns the command's context, or Background when the
// command was invoked directly.
func commandContext(cmd *cobra.Command) context.Context {
	if cmd == nil || cmd.Context() == nil {
		return context.Background()
	}
	return cmd.Context()
}

// loadWorkspace loads the config and resolves the workspace directory.
func loadWorkspace() (*config.Config, string, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	workspacePath, err := cfg.WorkspacePathChecked()
	if err != nil {
		return nil, "", fmt.Errorf("invalid workspace: %w", err)
	}
	return cfg, workspacePath, nil
}

// openStore opens the record store with the configured backend.
func openStore(ctx context.Context, cfg *config.Config, workspacePath string, opts ...store.Option) (*store.Store, error) {
	path := cfg.StoragePath(workspacePath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	var backend store.Backend
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Backend)) {
	case "sqlite":
		b, err := store.OpenSQLiteBackend(path)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		backend = store.NewFileBackend(path)
	}

	s, err := store.Open(ctx, backend, opts...)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("open record store %s: %w", path, err)
	}
	return s, nil
}

// openStoreExclusive opens the record store as its only writer. It fails
// while another writer, such as a running bot, holds the store.
func openStoreExclusive(ctx context.Context, cfg *config.Config, workspacePath string, opts ...store.Option) (*store.Store, error) {
	lockPath := storeLockPath(cfg, workspacePath)
	s, err := openStore(ctx, cfg, workspacePath, append(opts, store.WithLockFile(lockPath))...)
	if errors.Is(err, store.ErrLocked) {
		return nil, fmt.Errorf("record store is in use by another giftbot process; stop it or use the gateway API: %w", err)
	}
	return s, err
}

func storeLockPath(cfg *config.Config, workspacePath string) string {
	return cfg.StoragePath(workspacePath) + ".lock"
}

func cronStorePath(workspacePath string) string {
	return filepath.Join(workspacePath, "cron", "jobs.json")
}

// maintenanceHandler runs the jobs the cron service knows how to execute.
func maintenanceHandler(svc *gifts.Service) cron.JobHandler {
	return func(ctx context.Context, job *cron.Job) (string, error) {
		switch job.Payload.Kind {
		case cron.PayloadExpireSweep:
			if job.Payload.ThresholdSeconds <= 0 {
				return "skipped: no threshold", nil
			}
			threshold := time.Duration(job.Payload.ThresholdSeconds) * time.Second
			n, err := svc.ExpireStale(ctx, threshold)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("expired %d request(s)", n), nil
		default:
			return "", fmt.Errorf("unsupported job payload %q", job.Payload.Kind)
		}
	}
}

// ensureMaintenanceJobs registers the expiry sweep with the configured
// schedule, or disables it when expiry is turned off. The cron store must be
// loaded.
func ensureMaintenanceJobs(svc *cron.Service, cfg *config.Config) error {
	if cfg.Lifecycle.ExpireAfterSeconds <= 0 {
		for _, job := range svc.ListJobs(false) {
			if job.Name != expireSweepJobName {
				continue
			}
			if _, err := svc.EnableJob(job.ID, false); err != nil {
				return err
			}
		}
		return nil
	}

	schedule, err := cron.ParseSchedule(cfg.Lifecycle.SweepSchedule)
	if err != nil {
		return fmt.Errorf("lifecycle.sweep_schedule: %w", err)
	}
	job, err := svc.EnsureJob(expireSweepJobName, schedule, cron.Payload{
		Kind:             cron.PayloadExpireSweep,
		ThresholdSeconds: int64(cfg.Lifecycle.ExpireAfterSeconds),
	})
	if err != nil {
		return err
	}
	if !job.Enabled {
		_, err = svc.EnableJob(job.ID, true)
	}
	return err
}

func giftsOptions(cfg *config.Config) gifts.Options {
	return gifts.Options{
		AutoAcceptDelay:   time.Duration(cfg.Lifecycle.AutoAcceptDelaySeconds) * time.Second,
		DisableAutoAccept: !cfg.Lifecycle.AutoAccept,
	}
}
