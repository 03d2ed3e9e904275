package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/birdayz/flowcore"
	"github.com/birdayz/flowcore/internal/archive"
	"github.com/birdayz/flowcore/internal/simdevice"
	"github.com/birdayz/flowcore/kflow"
	"github.com/birdayz/flowcore/kobjective"
	"github.com/birdayz/flowcore/kstore"
	"github.com/birdayz/flowcore/kstore/changelog"
	"github.com/birdayz/flowcore/kstore/pebble"
	flowlog "github.com/birdayz/flowcore/pkg/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the flow core until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			level, err := flowlog.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("log level: %w", err)
			}
			log := flowlog.New(level).With("instance", uuid.NewString())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return opts.run(ctx, log, cfg)
		},
	}
}

func run(ctx context.Context, log *slog.Logger, cfg Config) (err error) {
	objectives, closeStore, err := openObjectiveStore(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closeStore())
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	net := simdevice.Generate(cfg.Devices)
	opts := []flowcore.Option{
		flowcore.WithLog(log),
		flowcore.WithPollInterval(cfg.PollInterval),
		flowcore.WithExtraneousFlowsAllowed(cfg.AllowExtraneous),
		flowcore.WithMetricsRegisterer(reg),
		flowcore.WithShutdownTimeout(cfg.ShutdownTimeout),
	}
	if cfg.Archive.Enabled() {
		a, err := archive.NewS3Archiver(ctx, archiveConfig(cfg.Archive), archive.WithLog(log.With("component", "archive")))
		if err != nil {
			return err
		}
		opts = append(opts, flowcore.WithSnapshotArchiver(a))
	}

	app, err := flowcore.New(flowcore.Collaborators{
		Registry:       net,
		Drivers:        net,
		FlowStore:      kstore.NewMemoryFlowRuleStore(),
		ObjectiveStore: objectives,
	}, opts...)
	if err != nil {
		return err
	}
	net.Subscribe(app.HandleDeviceEvent)
	app.Start()
	installDefaults(log, app, net.Devices())

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsHandler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		log.Info("Serving metrics", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return multierr.Combine(srv.Shutdown(shutdownCtx), app.Close())
	})
	return grp.Wait()
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

func archiveConfig(c ArchiveConfig) archive.Config {
	return archive.Config{
		Endpoint:  c.Endpoint,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Bucket:    c.Bucket,
		Prefix:    c.Prefix,
		Secure:    c.Secure,
	}
}

// openObjectiveStore picks the next group store: pebble when a state dir is
// set, memory otherwise, replicated through Kafka when brokers are given.
func openObjectiveStore(ctx context.Context, log *slog.Logger, cfg Config) (kstore.ObjectiveStore, func() error, error) {
	var local *kstore.LocalObjectiveStore
	if cfg.StateDir != "" {
		backend, err := pebble.Open(cfg.StateDir)
		if err != nil {
			return nil, nil, err
		}
		local = kstore.NewObjectiveStore(backend)
		log.Info("Using pebble objective store", "dir", cfg.StateDir)
	} else {
		local = kstore.NewMemoryObjectiveStore()
	}

	if len(cfg.Brokers) == 0 {
		return local, local.Close, nil
	}

	replicated, err := changelog.New(ctx, cfg.Brokers, cfg.Topic, local, changelog.WithLog(log.With("component", "changelog")))
	if err != nil {
		return nil, nil, multierr.Append(err, local.Close())
	}
	if err := replicated.Start(ctx); err != nil {
		return nil, nil, multierr.Append(err, replicated.Close())
	}
	return replicated, replicated.Close, nil
}

// installDefaults punts ARP and LLDP to the controller on every device.
func installDefaults(log *slog.Logger, app *flowcore.App, devices []kflow.DeviceID) {
	for _, device := range devices {
		for i, ethType := range []string{"0x0806", "0x88cc"} {
			app.Filter(device, &kobjective.Filtering{
				Common: kobjective.Common{
					AppID:    "flowcored",
					Priority: 40000 + i,
					Timeout:  kflow.Permanent(),
					Context: kobjective.ContextFuncs{
						Error: func(o kobjective.Objective, err kobjective.Error) {
							log.Warn("Default filter failed", "device", device, "objective", o, "error", err)
						},
					},
				},
				Type: kobjective.FilterPermit,
				Key:  kflow.Criterion{Type: "ETH_TYPE", Value: ethType},
			})
		}
	}
}
