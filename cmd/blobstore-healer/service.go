package main

import (
	"context"
	"fmt"
	"os"

	"github.com/blobmux/healer/internal/config"
	"github.com/blobmux/healer/internal/svc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the healer system service",
		Long: `Install and control blobstore-healer as a system service. The service
manager restarts the healer after a fatal error, such as a replication lag
probe failure. In service mode logs are also appended to
/var/log/blobstore-healer.log.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo blobstore-healer service install -c /etc/blobstore-healer/healer.yaml --storage-id main_multiplex
  sudo blobstore-healer service start
  sudo blobstore-healer service status`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", svc.DefaultName, "Service name")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the healer as a system service",
		Long: `Install the healer as a system service that starts automatically at boot.

Requires administrator/root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the healer system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			if err := svc.Uninstall(serviceConfig()); err != nil {
				return err
			}
			fmt.Printf("Service %q uninstalled\n", serviceName)
			return nil
		},
	})

	for _, action := range []string{"start", "stop", "restart"} {
		action := action
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the healer service", capitalize(action)),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				if err := svc.Control(serviceConfig(), action); err != nil {
					return err
				}
				fmt.Printf("Service %q: %s ok\n", serviceName, action)
				return nil
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the healer service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := svc.Status(serviceConfig())
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			fmt.Printf("Service %q: %s\n", serviceName, svc.StatusString(status))
			return nil
		},
	})

	return serviceCmd
}

func serviceConfig() *svc.ServiceConfig {
	return &svc.ServiceConfig{
		Name:       serviceName,
		ConfigPath: cfgFile,
		StorageID:  storageID,
		UserName:   serviceUser,
	}
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	// Refuse to install a service that would fail on start
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if storageID != "" {
		if _, err := cfg.Storage(storageID); err != nil {
			return err
		}
	}

	if err := svc.Install(serviceConfig(), forceInstall); err != nil {
		return err
	}
	fmt.Printf("Service %q installed\n", serviceName)
	fmt.Printf("  Config:  %s\n", cfgFile)
	if storageID != "" {
		fmt.Printf("  Storage: %s\n", storageID)
	}
	fmt.Printf("\nStart it with: sudo blobstore-healer service start --name %s\n", serviceName)
	return nil
}

// runAsService is the entry point when started by the service manager.
func runAsService() {
	setupServiceLogging()

	configPath := svc.DefaultConfigPath()
	var id string
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
		if arg == "--storage-id" && i+1 < len(os.Args) {
			id = os.Args[i+1]
		}
	}

	log.Info().
		Str("version", Version).
		Str("config", configPath).
		Str("storage", id).
		Msg("starting as service")

	prg := &svc.Program{Run: func(ctx context.Context) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
		}
		if id == "" {
			ids := cfg.StorageIDs()
			if len(ids) != 1 {
				return fmt.Errorf("service needs --storage-id when several storages are configured")
			}
			id = ids[0]
		}
		return runWithConfig(ctx, cfg, runOptions{StorageID: id}, os.Stdout)
	}}

	if err := svc.Run(prg, &svc.ServiceConfig{ConfigPath: configPath, StorageID: id}); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
