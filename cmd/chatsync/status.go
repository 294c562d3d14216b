package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusChannel string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusChannel, "channel", "", "also show channel info and send permission")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and channel status",
	Long:  "Display the current configuration. With --channel, open the channel and report its config, your membership and whether you may send.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Transport:   %s\n", cfg.transport())
		if cfg.transport() == "redis" {
			fmt.Fprintf(out, "  Redis URL:   %s\n", valueOrDefault(cfg.Default.RedisURL, "(not set)"))
		} else {
			fmt.Fprintf(out, "  Base URL:    %s\n", cfg.baseURL())
		}
		if cfg.Auth.Token != "" {
			fmt.Fprintf(out, "  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Fprintln(out, "  Token:       (not set)")
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Session:")
		fmt.Fprintf(out, "  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Fprintf(out, "  Username:    %s\n", valueOrDefault(cfg.Auth.Username, "(not set)"))
		if cfg.Auth.Anonymous {
			fmt.Fprintf(out, "  Anonymous:   yes (alias %s)\n", valueOrDefault(cfg.Auth.Alias, "(none)"))
		}

		if statusChannel == "" {
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		c, err := newClient(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer c.Close()

		v, err := c.open(ctx, statusChannel)
		if err != nil {
			return err
		}

		fmt.Fprintln(out)
		fmt.Fprintf(out, "Channel %s:\n", statusChannel)
		if ch, ok := v.Channel(); ok {
			fmt.Fprintf(out, "  Name:        %s\n", valueOrDefault(ch.Name, "(none)"))
			fmt.Fprintf(out, "  Type:        %s\n", valueOrDefault(string(ch.Type), "(unknown)"))
			if ch.Description != "" {
				fmt.Fprintf(out, "  Description: %s\n", ch.Description)
			}
		} else {
			fmt.Fprintln(out, "  Config:      (unavailable)")
		}
		if m, ok := v.Membership(); ok {
			fmt.Fprintf(out, "  Role:        %s\n", m.Role)
		} else {
			fmt.Fprintln(out, "  Role:        (not a member)")
		}
		fmt.Fprintf(out, "  Muted:       %t\n", v.Muted())
		fmt.Fprintf(out, "  Can send:    %t\n", v.CanSend())
		fmt.Fprintf(out, "  Messages:    %d loaded\n", len(v.Messages()))
		return nil
	},
}
