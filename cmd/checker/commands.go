package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hamzaKhattat/asterisk-call-checker/internal/agi"
	"github.com/hamzaKhattat/asterisk-call-checker/internal/ami"
	"github.com/hamzaKhattat/asterisk-call-checker/internal/api"
	"github.com/hamzaKhattat/asterisk-call-checker/internal/cache"
	"github.com/hamzaKhattat/asterisk-call-checker/internal/checker"
	"github.com/hamzaKhattat/asterisk-call-checker/internal/config"
	"github.com/hamzaKhattat/asterisk-call-checker/internal/health"
	"github.com/hamzaKhattat/asterisk-call-checker/internal/metrics"
	"github.com/hamzaKhattat/asterisk-call-checker/internal/mockstore"
	"github.com/hamzaKhattat/asterisk-call-checker/internal/models"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/logger"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/phone"
)

func createServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the optional FastAGI listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(v)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSvc := metrics.NewPrometheusMetrics()

	redisCache, err := cache.New(ctx, cache.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
	}, cfg.App.Name)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize Redis cache, using in-memory rate limiting")
		redisCache, _ = cache.New(ctx, cache.Config{}, cfg.App.Name)
	}
	defer redisCache.Close()

	// source stays a nil interface when AMI is not configured
	var source checker.ChannelSource
	amiManager := newAMIManager(cfg)
	if amiManager != nil {
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := amiManager.ConnectWithRetry(connectCtx, 3)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to AMI initially, will retry in background")
			amiManager.ConnectOptional(ctx)
		}
		defer amiManager.Close()
		source = amiManager
		go trackUpstream(ctx, amiManager, metricsSvc)
	} else {
		logger.Warn("AMI not configured, live checks will report the server unavailable")
	}

	store := mockstore.New(mockstore.Config{
		DefaultTTL: cfg.Mock.TTL,
		MaxPerAdd:  cfg.Mock.MaxEntriesPerAdd,
	})
	defer store.Close()
	store.StartSweeper(cfg.Mock.SweepInterval, func(removed, remaining int) {
		metricsSvc.SetGauge("mock_entries", float64(remaining), nil)
	})

	svc := checker.New(store, source, metricsSvc, checker.Config{
		UpstreamTimeout: cfg.Asterisk.AMI.ActionTimeout,
	})

	healthSvc := health.NewHealthService(cfg.Monitoring.Health.Timeout)
	if cfg.Monitoring.Health.Enabled {
		if amiManager != nil {
			healthSvc.RegisterReadinessCheck("ami", health.CheckFunc(amiManager.Ping))
		}
		if redisCache.Enabled() {
			healthSvc.RegisterReadinessCheck("redis", health.CheckFunc(redisCache.Ping))
		}
	}

	opts := []api.Option{
		api.WithMetrics(metricsSvc),
		api.WithHealth(healthSvc),
		api.WithRateLimiter(api.NewRateLimiter(cfg.API.RateLimit, time.Minute, redisCache)),
	}
	if cfg.Monitoring.Metrics.Enabled {
		if port := cfg.Monitoring.Metrics.Port; port != 0 && port != cfg.API.Port {
			go func() {
				if err := metricsSvc.ServeHTTP(port, cfg.Monitoring.Metrics.Path); err != nil {
					logger.WithError(err).Error("Metrics server stopped")
				}
			}()
		} else {
			opts = append(opts, api.WithExporter(metricsSvc.Handler()))
		}
	}

	server := api.NewServer(api.Config{
		Addr:            cfg.API.Addr(),
		APIKey:          cfg.API.Key,
		DevKey:          cfg.API.DevKey,
		CORSEnabled:     cfg.API.CORSEnabled,
		ReadTimeout:     cfg.API.ReadTimeout,
		WriteTimeout:    cfg.API.WriteTimeout,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
		MetricsPath:     cfg.Monitoring.Metrics.Path,
	}, svc, opts...)

	errCh := make(chan error, 2)
	go func() {
		errCh <- server.Start()
	}()

	var agiServer *agi.Server
	if cfg.AGI.Enabled {
		agiServer = agi.NewServer(svc, agi.Config{
			ListenAddress:   cfg.AGI.ListenAddress,
			Port:            cfg.AGI.Port,
			MaxConnections:  cfg.AGI.MaxConnections,
			ReadTimeout:     cfg.AGI.ReadTimeout,
			WriteTimeout:    cfg.AGI.WriteTimeout,
			ShutdownTimeout: cfg.AGI.ShutdownTimeout,
		}, metricsSvc)
		if err := agiServer.Listen(); err != nil {
			return err
		}
		go func() {
			if err := agiServer.Serve(); err != nil {
				errCh <- fmt.Errorf("AGI server failed: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		if agiServer != nil {
			agiServer.Stop()
		}
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	if agiServer != nil {
		logger.Info("Shutting down AGI server")
		agiServer.Stop()
	}

	logger.Info("Shutting down API server")
	if err := server.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Error("Error stopping API server")
	}
	logger.Info("Shutdown complete")
	return nil
}

// trackUpstream mirrors the AMI login state into a gauge
func trackUpstream(ctx context.Context, m *ami.Manager, metricsSvc *metrics.PrometheusMetrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		value := 0.0
		if m.IsLoggedIn() {
			value = 1
		}
		metricsSvc.SetGauge("upstream_connected", value, nil)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func createCheckCommand() *cobra.Command {
	var callerID string

	cmd := &cobra.Command{
		Use:   "check <dialed-number>",
		Short: "Check a number against the live Asterisk server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, cfg, err := connectAMI(cmd.Context())
			if err != nil {
				return err
			}
			defer manager.Close()

			store := mockstore.New(mockstore.Config{})
			defer store.Close()

			svc := checker.New(store, manager, nil, checker.Config{
				UpstreamTimeout: cfg.Asterisk.AMI.ActionTimeout,
			})

			result, err := svc.CheckConnection(cmd.Context(), args[0], callerID)
			if err != nil {
				return err
			}

			fmt.Printf("%s %s\n", bold("Number:"), args[0])
			fmt.Printf("%s %s\n", bold("Key:"), phone.Normalize(args[0]))
			if result.Connected {
				fmt.Printf("%s %s (%s)\n", green("✓"), result.Message, *result.ChannelID)
			} else {
				fmt.Printf("%s %s\n", yellow("✗"), result.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&callerID, "caller-id", "", "Caller id used to pick between matching channels")

	return cmd
}

func createChannelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List live channels on the Asterisk server",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, _, err := connectAMI(cmd.Context())
			if err != nil {
				return err
			}
			defer manager.Close()

			channels, err := manager.ListActiveChannels(cmd.Context())
			if err != nil {
				return err
			}

			if len(channels) == 0 {
				fmt.Println("No active channels")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Channel", "Dialed", "Key", "Caller ID", "State", "Age", "Eligible"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)

			for _, ch := range channels {
				table.Append(channelRow(ch, time.Now()))
			}

			table.Render()
			fmt.Printf("\nTotal: %d channels\n", len(channels))
			if verbose {
				stats := manager.GetStats()
				fmt.Printf("AMI: %d actions (%d failed), %d events\n",
					stats["total_actions"], stats["failed_actions"], stats["total_events"])
			}
			return nil
		},
	}
}

func channelRow(ch models.Channel, now time.Time) []string {
	eligible := red("no")
	if ch.State.Eligible() {
		eligible = green("yes")
	}

	age := "-"
	if !ch.CreatedAt.IsZero() {
		age = now.Sub(ch.CreatedAt).Truncate(time.Second).String()
	}

	return []string{
		ch.ID,
		ch.DialedNumber,
		phone.Normalize(ch.DialedNumber),
		ch.CallerIDNumber,
		string(ch.State),
		age,
		eligible,
	}
}

func createHangupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hangup <channel>",
		Short: "Hang up a live channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, _, err := connectAMI(cmd.Context())
			if err != nil {
				return err
			}
			defer manager.Close()

			if err := manager.TerminateChannel(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Printf("%s Channel '%s' hung up\n", green("✓"), args[0])
			return nil
		},
	}
}
