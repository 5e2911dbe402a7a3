package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/waypost-im/waypost/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file with secure random secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "waypost-hub.json"
			}
			return writeDefaultConfig(cmd, output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./waypost-hub.json)")
	return cmd
}

func writeDefaultConfig(cmd *cobra.Command, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing config %s", path)
	}

	jwtSecret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}
	workerToken, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}
	workerTokenSecret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}
	adminPassword, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}
	adminPassword = adminPassword[:16]

	cfg := config.Config{
		Server: config.ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Auth: config.AuthConfig{
			JWTSecret:           jwtSecret,
			JWTExpiry:           config.Duration{Duration: 24 * time.Hour},
			WorkerToken:         workerToken,
			WorkerTokenSecret:   workerTokenSecret,
			WorkerTokenLifetime: config.Duration{Duration: time.Hour},
			InitialAdmin:        &config.InitialAdmin{Username: "admin", Password: adminPassword},
		},
		Storage: config.StorageConfig{
			Driver: "sqlite",
			DSN:    "waypost-hub.db",
		},
		Fleet: config.FleetConfig{
			HeartbeatInterval: config.Duration{Duration: 30 * time.Second},
			MissMultiplier:    3,
			SweepInterval:     config.Duration{Duration: 15 * time.Second},
		},
		Logging: config.LoggingConfig{Level: "info", Format: "json"},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "wrote %s\n", path)
	fmt.Fprintf(out, "initial admin credentials: admin / %s\n", adminPassword)
	fmt.Fprintln(out, "the worker_token value must be configured on every worker")
	return nil
}
