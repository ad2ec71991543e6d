package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/blesc/internal/config"
)

// exitRestart is the exit status after a remote reboot command, so a process
// supervisor can tell it apart from a crash.
const exitRestart = 3

func main() {
	rootCmd := &cobra.Command{
		Use:           "blesc",
		Short:         "BLE scanner node for BLEAM peers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "path to config file (default: ~/.config/blesc/config.yaml)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Scan for bleams and serve their sessions",
		Long:  "Scan for bleams and serve their sessions. An unprovisioned node first serves the configuration service until a tools app configures it.",
		RunE:  runNode,
	}

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Serve the configuration service until the node is provisioned",
		RunE:  runSetup,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE:  runInit,
	}

	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a new P-256 key pair",
		RunE:  runKeygen,
	}

	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Store the node id, signing keys and session settings",
		RunE:  runProvision,
	}
	provisionCmd.Flags().Uint16("node-id", 0, "node id answered to TOOLS bleams")
	provisionCmd.Flags().String("bleam-key", "", "bleam public key, hex (64 raw or 33 compressed bytes)")
	provisionCmd.Flags().String("private-key", "", "local private key, hex (default: keep the stored key or generate one)")
	provisionCmd.Flags().Int8("rssi-limit", -128, "RSSI floor for adverts")
	provisionCmd.Flags().String("mode", "", "default session mode: none, rssi or cmd")
	provisionCmd.Flags().Bool("erase", false, "erase every provisioning record")

	errlogCmd := &cobra.Command{
		Use:   "errlog",
		Short: "Print and clear the retained fault record",
		RunE:  runErrlog,
	}

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Survey nearby bleams without connecting",
		RunE:  runScan,
	}
	scanCmd.Flags().Duration("duration", 0, "survey length (default 10s)")

	rootCmd.AddCommand(runCmd, setupCmd, initCmd, keygenCmd, provisionCmd, errlogCmd, scanCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "blesc:", err)
		os.Exit(1)
	}
}

// loadConfig loads the config from the --config path, or falls back to the
// default config path, or uses built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	var source string
	switch {
	case path != "":
		c, err := config.Load(path)
		if err != nil {
			return nil, nil, err
		}
		cfg, source = c, path
	default:
		defaultPath := config.DefaultConfigPath()
		if _, err := os.Stat(defaultPath); err == nil {
			c, err := config.Load(defaultPath)
			if err != nil {
				return nil, nil, fmt.Errorf("loading %s: %w", defaultPath, err)
			}
			cfg, source = c, defaultPath
		} else {
			cfg, source = config.Default().Resolve(), "defaults"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	logger.Debug("[CONFIG] loaded", "source", source)
	return cfg, logger, nil
}

func openProvisioning(cfg *config.Config) (*config.Provisioning, error) {
	store, err := config.OpenKeyringStore(cfg.Keystore.Dir, cfg.Keystore.Passphrase)
	if err != nil {
		return nil, err
	}
	return config.NewProvisioning(store), nil
}
