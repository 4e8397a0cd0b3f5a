// Package svc runs the blobstore healer as a system service, with the
// service manager acting as its supervisor.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultName is the service name used by the service manager.
	DefaultName = "blobstore-healer"
	// DefaultDisplayName is shown in service listings.
	DefaultDisplayName = "Blobstore Healer"
	// DefaultDescription describes the service.
	DefaultDescription = "Repairs incompletely replicated blobs in a multiplexed blob store"

	// ServiceRunFlag marks an invocation started by the service manager.
	ServiceRunFlag = "--service-run"
)

// RunFunc runs the healer until ctx is cancelled.
type RunFunc func(ctx context.Context) error

// Program implements service.Interface around a RunFunc.
type Program struct {
	Run RunFunc
	// Exit is called when Run fails on its own so that the service manager
	// restarts the process (default: os.Exit).
	Exit func(code int)

	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(s service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("run function not configured")
	}
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	exit := p.Exit
	if exit == nil {
		exit = os.Exit
	}

	go func() {
		err := p.Run(ctx)
		p.done <- err
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("healer stopped")
			exit(1)
		}
	}()

	return nil
}

// Stop is called when the service stops. It cancels the healer and waits
// for it to return.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string // Passed to the service as --config
	StorageID   string // Passed to the service as --storage-id
	UserName    string // User to run as (Linux/macOS only)
}

// DefaultConfigPath returns the default config file path for the platform.
func DefaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "BlobstoreHealer", "healer.yaml")
	default: // linux, darwin
		return "/etc/blobstore-healer/healer.yaml"
	}
}

func (c *ServiceConfig) withDefaults() *ServiceConfig {
	out := *c
	if out.Name == "" {
		out.Name = DefaultName
	}
	if out.DisplayName == "" {
		out.DisplayName = DefaultDisplayName
	}
	if out.Description == "" {
		out.Description = DefaultDescription
	}
	if out.ConfigPath == "" {
		out.ConfigPath = DefaultConfigPath()
	}
	return &out
}

// NewServiceConfig creates a service.Config from cfg.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	cfg = cfg.withDefaults()

	args := []string{ServiceRunFlag, "--config", cfg.ConfigPath}
	if cfg.StorageID != "" {
		args = append(args, "--storage-id", cfg.StorageID)
	}

	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   args,
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "30",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "30s",
		}
	}

	return svcCfg
}

func newService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	s, err := service.New(prg, NewServiceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An existing installation is replaced only
// when force is set.
func Install(cfg *ServiceConfig, force bool) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}

	status, err := s.Status()
	if err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.withDefaults().Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg *ServiceConfig) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}

	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends action ("start", "stop" or "restart") to the service.
func Control(cfg *ServiceConfig, action string) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run runs prg under the service manager.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges checks if the current user can manage services.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		// Install fails with a clear error if not elevated
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args contain the service run flag.
func IsServiceMode(args []string) bool {
	return slices.Contains(args, ServiceRunFlag)
}
