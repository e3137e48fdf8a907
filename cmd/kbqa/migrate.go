package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Fhyywen/shixun-qiu/internal/chat"
)

func migrateCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or roll back the chat database schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			m, err := chat.NewMigrator(cfg.Chat.Driver, cfg.Chat.DSN)
			if err != nil {
				return err
			}
			defer m.Close()

			switch args[0] {
			case "up":
				err = m.Up()
			case "down":
				err = m.Down()
			default:
				return fmt.Errorf("unknown direction %q, want up or down", args[0])
			}
			if err != nil {
				return err
			}

			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chat schema version %d (dirty: %v)\n", version, dirty)
			return nil
		},
	}
	return cmd
}
