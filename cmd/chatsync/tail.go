package main

import (
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var tailMetricsAddr string

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
}

var tailCmd = &cobra.Command{
	Use:   "tail <channel>",
	Short: "Print a channel's recent messages and follow new ones",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		addr := tailMetricsAddr
		if addr == "" {
			addr = cfg.Default.MetricsAddr
		}
		if addr != "" {
			srv := &http.Server{
				Addr:              addr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(cmd.ErrOrStderr(), "metrics server: %v\n", err)
				}
			}()
			defer srv.Close()
		}

		c, err := newClient(ctx, cfg, reg)
		if err != nil {
			return err
		}
		defer c.Close()

		v, err := c.open(ctx, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		userID := cfg.Auth.UserID
		for _, m := range v.Messages() {
			fmt.Fprintln(out, formatMessage(m, userID))
		}
		v.Focus(ctx)

		v.On("*", func(event string, payload any) {
			switch event {
			case chatsync.EventMessageInserted, chatsync.EventMessageUpdated:
				fmt.Fprintln(out, formatMessage(payload.(chatsync.Message), userID))
				v.Focus(ctx)
			case chatsync.EventMessageDeleted:
				fmt.Fprintf(out, "-- %s deleted\n", payload)
			case chatsync.EventPermissionChanged:
				fmt.Fprintf(out, "-- send permission %s\n", payload)
			case chatsync.EventResync:
				fmt.Fprintln(out, "-- resynced")
			}
		})

		<-ctx.Done()
		return nil
	},
}
