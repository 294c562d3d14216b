package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	initUserID    string
	initUsername  string
	initAlias     string
	initAnonymous bool
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "user id to act as")
	initCmd.Flags().StringVar(&initUsername, "username", "", "display name for sent messages")
	initCmd.Flags().BoolVar(&initAnonymous, "anonymous", false, "send messages anonymously")
	initCmd.Flags().StringVar(&initAlias, "alias", "", "alias shown for anonymous messages")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store credentials in ~/.chatsync/config.toml",
	Long: "Initialize the chatsync CLI by storing your token and session in the local configuration file.\n" +
		"With --anonymous and no --user-id a random user id is generated.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.Anonymous = initAnonymous
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initUsername != "" {
			cfg.Auth.Username = initUsername
		}
		if initAlias != "" {
			cfg.Auth.Alias = initAlias
		}
		if cfg.Auth.UserID == "" && initAnonymous {
			cfg.Auth.UserID = uuid.NewString()
		}
		if cfg.Default.Transport == "" {
			cfg.Default.Transport = "http"
		}

		if err := chatsync.NewValidator().Session(cfg.session()); err != nil {
			return fmt.Errorf("a user id is required (use --user-id or --anonymous): %w", err)
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Credentials for %s saved to %s\n", cfg.Auth.UserID, path)
		return nil
	},
}
