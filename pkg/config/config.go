// Package config centralizes the installer's environment-driven toggles
// and the shared Runner/Logger every other package is handed, wiring
// collaborators together from viper-backed values and environment
// variables.
package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/rsturla/bootc/internal/logx"
	"github.com/rsturla/bootc/internal/runner"
)

// Environment variable names read directly (not through viper) because
// they gate low-level process behavior that must be visible before any
// config file is parsed: loopback cleanup helper dispatch, re-exec
// guards, and namespace/SELinux skip switches.
const (
	EnvDirectIO              = "BOOTC_DIRECT_IO"
	EnvSkipUnshare           = "BOOTC_SKIP_UNSHARE"
	EnvLoopbackCleanupHelper = "BOOTC_LOOPBACK_CLEANUP_HELPER"
	EnvSELinuxReexecGuard    = "BOOTC_SELINUX_REEXEC_DONE"
)

// Config is the shared, process-wide configuration handed to every
// package in the install orchestrator.
type Config struct {
	Logger *logx.Logger
	Runner runner.Runner

	LogLevel string `mapstructure:"log_level"`

	DirectIO           bool
	SkipUnshare        bool
	LoopbackHelperMode bool
	SELinuxReexecDone  bool

	// InsecureComposefs propagates to whether a staged/new deployment's
	// composefs= karg carries the `?` insecure marker.
	InsecureComposefs bool `mapstructure:"insecure_composefs"`
}

// Load builds a Config from environment variables and, if present, a
// config file discovered by viper under the conventional search paths
// (/etc/bootc/config.{yaml,toml,json}, $HOME/.config/bootc/config.*).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("/etc/bootc")
	v.AddConfigPath("$HOME/.config/bootc")
	v.SetEnvPrefix("BOOTC")
	v.AutomaticEnv()
	v.SetDefault("log_level", "info")
	v.SetDefault("insecure_composefs", false)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	log := logx.New(os.Stderr, cfg.LogLevel)
	cfg.Logger = &log
	cfg.Runner = &runner.RealRunner{Logger: &log}

	cfg.DirectIO = strings.EqualFold(os.Getenv(EnvDirectIO), "on")
	cfg.SkipUnshare = os.Getenv(EnvSkipUnshare) != ""
	cfg.LoopbackHelperMode = os.Getenv(EnvLoopbackCleanupHelper) != ""
	cfg.SELinuxReexecDone = os.Getenv(EnvSELinuxReexecGuard) != ""

	return cfg, nil
}
