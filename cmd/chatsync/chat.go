package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

const commandTimeout = 30 * time.Second

var sendRetries int

func init() {
	rootCmd.AddCommand(sendCmd, reactCmd, deleteCmd, readCmd)
	sendCmd.Flags().IntVar(&sendRetries, "retries", 0, "retry a failed send this many times")
}

// withView loads the config, opens channelID and runs fn against it.
func withView(cmd *cobra.Command, channelID string, fn func(ctx context.Context, cfg *Config, v *chatsync.ChannelView) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	c, err := newClient(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	v, err := c.open(ctx, channelID)
	if err != nil {
		return err
	}
	return fn(ctx, cfg, v)
}

var sendCmd = &cobra.Command{
	Use:   "send <channel> <content>",
	Short: "Send a message to a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withView(cmd, args[0], func(ctx context.Context, cfg *Config, v *chatsync.ChannelView) error {
			msg, err := v.Send(ctx, args[1])
			for attempt := 0; errors.Is(err, chatsync.ErrSendFailed) && attempt < sendRetries; attempt++ {
				fmt.Fprintf(cmd.ErrOrStderr(), "send failed (%v), retrying\n", err)
				msg, err = v.Retry(ctx, msg.ID)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatMessage(msg, cfg.Auth.UserID))
			return nil
		})
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <channel> <message-id> <emoji>",
	Short: "Toggle a reaction on a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withView(cmd, args[0], func(ctx context.Context, cfg *Config, v *chatsync.ChannelView) error {
			reactions, err := v.React(ctx, args[1], args[2])
			if err != nil {
				return err
			}
			verb := "removed"
			if reactions.Has(cfg.Auth.UserID, args[2]) {
				verb = "added"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s on %s  %s\n", verb, args[2], args[1], formatReactions(reactions, cfg.Auth.UserID))
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <channel> <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withView(cmd, args[0], func(ctx context.Context, _ *Config, v *chatsync.ChannelView) error {
			if err := v.Delete(ctx, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[1])
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <channel>",
	Short: "Mark a channel as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withView(cmd, args[0], func(ctx context.Context, _ *Config, v *chatsync.ChannelView) error {
			if !v.Focus(ctx) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already read\n", args[0])
				return nil
			}
			// Close waits for the marker write.
			v.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %s as read\n", args[0])
			return nil
		})
	},
}
