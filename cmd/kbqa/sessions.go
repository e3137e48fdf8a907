package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Fhyywen/shixun-qiu/internal/chat"
	"github.com/Fhyywen/shixun-qiu/pkg/config"
	appLogger "github.com/Fhyywen/shixun-qiu/pkg/logger"
)

const timeLayout = "2006-01-02 15:04:05"

func sessionsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage chat sessions",
	}

	// withStore opens the chat database for a single subcommand.
	withStore := func(fn func(ctx context.Context, out io.Writer, store *chat.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			store, err := openChat(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			return fn(cmd.Context(), cmd.OutOrStdout(), store, args)
		}
	}

	var (
		userID string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List a user's active sessions",
		RunE: withStore(func(ctx context.Context, out io.Writer, store *chat.Store, _ []string) error {
			sessions, err := store.UserSessions(ctx, userID, limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "没有会话")
				return nil
			}
			for _, s := range sessions {
				first := ""
				if s.FirstQuestion != nil {
					first = *s.FirstQuestion
				}
				fmt.Fprintf(out, "%s  %s  %s  %s\n", s.SessionID, s.UpdatedAt.Format(timeLayout), s.Title, first)
			}
			return nil
		}),
	}
	list.Flags().StringVar(&userID, "user", chat.DefaultUserID, "user id")
	list.Flags().IntVar(&limit, "limit", 0, "maximum sessions (default chat.sessionsLimit)")

	var historyLimit int
	history := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print the messages of a session",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, out io.Writer, store *chat.Store, args []string) error {
			if _, err := store.GetSession(ctx, args[0]); err != nil {
				return err
			}
			msgs, err := store.History(ctx, args[0], historyLimit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt.Format(timeLayout), m.Role, m.Content)
			}
			return nil
		}),
	}
	history.Flags().IntVar(&historyLimit, "limit", 0, "maximum messages (default chat.historyLimit)")

	closeCmd := &cobra.Command{
		Use:   "close <session-id>",
		Short: "Mark a session inactive",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, out io.Writer, store *chat.Store, args []string) error {
			if err := store.CloseSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "会话已关闭: %s\n", args[0])
			return nil
		}),
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session with its messages and usage",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, out io.Writer, store *chat.Store, args []string) error {
			if err := store.DeleteSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "会话已删除: %s\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(list, history, closeCmd, deleteCmd)
	return cmd
}

func openChat(ctx context.Context, cfg *config.Config) (*chat.Store, error) {
	if !cfg.Chat.Enabled {
		return nil, errors.New("chat persistence is disabled, set chat.enabled")
	}
	return chat.Open(ctx, cfg.Chat, chat.WithLogger(appLogger.Named("chat")))
}
