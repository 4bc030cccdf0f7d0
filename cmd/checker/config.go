package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hamzaKhattat/asterisk-call-checker/internal/ami"
	"github.com/hamzaKhattat/asterisk-call-checker/internal/config"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/logger"
)

// initialize loads .env, the config file and the logger for every command.
// CLI commands log as text; serve keeps the configured format.
func initialize(cmd *cobra.Command) error {
	if err := loadEnvFile(envFile); err != nil {
		return err
	}
	if err := loadConfig(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cfg := config.Load(v)
	logConfig := logger.Config{
		Level:  cfg.Monitoring.Logging.Level,
		Format: cfg.Monitoring.Logging.Format,
		Output: cfg.Monitoring.Logging.Output,
		File: logger.FileConfig{
			Enabled:    cfg.Monitoring.Logging.File.Enabled,
			Path:       cfg.Monitoring.Logging.File.Path,
			MaxSize:    cfg.Monitoring.Logging.File.MaxSize,
			MaxBackups: cfg.Monitoring.Logging.File.MaxBackups,
			MaxAge:     cfg.Monitoring.Logging.File.MaxAge,
			Compress:   cfg.Monitoring.Logging.File.Compress,
		},
		Fields: map[string]interface{}{
			"environment": cfg.App.Environment,
		},
	}

	if cmd.Name() != "serve" {
		logConfig.Format = "text"
		logConfig.Output = "stderr"
		logConfig.File.Enabled = false
		if !verbose {
			logConfig.Level = "warn"
		}
	}
	if verbose {
		logConfig.Level = "debug"
	}

	if err := logger.Init(logConfig); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// loadEnvFile exports KEY=value pairs from path. A missing default file is
// not an error; variables already set in the environment win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func loadConfig() error {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("checker")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/asterisk-call-checker")
	}

	config.SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	return nil
}

// newAMIManager builds the AMI client, or nil when no host is configured
func newAMIManager(cfg *config.Config) *ami.Manager {
	amiCfg := cfg.Asterisk.AMI
	if amiCfg.Host == "" {
		return nil
	}

	return ami.NewManager(ami.Config{
		Host:              amiCfg.Host,
		Port:              amiCfg.Port,
		Username:          amiCfg.Username,
		Password:          amiCfg.Password,
		ReconnectInterval: amiCfg.ReconnectInterval,
		PingInterval:      amiCfg.PingInterval,
		ActionTimeout:     amiCfg.ActionTimeout,
		ConnectTimeout:    amiCfg.ConnectTimeout,
	})
}

// connectAMI is used by one-shot commands that need a live connection
func connectAMI(ctx context.Context) (*ami.Manager, *config.Config, error) {
	cfg := config.Load(v)
	manager := newAMIManager(cfg)
	if manager == nil {
		return nil, nil, fmt.Errorf("asterisk.ami.host is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Asterisk.AMI.ConnectTimeout+5*time.Second)
	defer cancel()

	if err := manager.ConnectWithRetry(ctx, 2); err != nil {
		manager.Close()
		return nil, nil, err
	}
	return manager, cfg, nil
}
