package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/MEKXH/giftbot/internal/config"
	"github.com/spf13/cobra"
)

func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize giftbot configuration and workspace",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := config.ConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists: %s\n", configPath)
		return nil
	}

	cfg := config.DefaultConfig()
	workspacePath := cfg.WorkspacePath()

	dirs := []string{
		config.ConfigDir(),
		workspacePath,
		filepath.Dir(cfg.StoragePath(workspacePath)),
		filepath.Join(workspacePath, "state"),
		filepath.Join(workspacePath, "cron"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("giftbot initialized!\n")
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("Workspace: %s\n", workspacePath)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("1. Edit %s: set telegram.token, telegram.admin_id and telegram.enabled\n", configPath)
	fmt.Printf("2. Optionally set telegram.required_channel and telegram.required_channel_id\n")
	fmt.Printf("3. Run 'giftbot run' to start the bot\n")

	return nil
}
