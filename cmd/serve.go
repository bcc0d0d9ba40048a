package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/meterlab/internal/api"
	"github.com/sells-group/meterlab/internal/jobs"
	"github.com/sells-group/meterlab/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve job status reports and run background job tracking",
	Long:  "Starts the job report HTTP server, the redispatch sweep, the Kafka status consumer or HTTP status poller for the configured dispatcher, and the alert checker when enabled.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.NewRouter(a.experiments, a.lifecycle, api.Options{CORSOrigins: cfg.Server.CORSOrigins}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		sweeper := jobs.NewSweeper(a.lifecycle, a.dispatcher, jobs.SweeperOptions{
			After:    cfg.Jobs.RedispatchAfter(),
			Interval: time.Duration(cfg.Jobs.SweepIntervalSecs) * time.Second,
		})
		g.Go(func() error { return sweeper.Run(gctx) })

		for _, run := range statusWorkers(a) {
			g.Go(func() error { return run(gctx) })
		}

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(a.st, cfg.Jobs.RedispatchAfter()),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			g.Go(func() error { return checker.Run(gctx) })
		}

		return g.Wait()
	},
}

// statusWorkers returns the loops that pull job status back from the
// runner: the Kafka consumer for the kafka dispatcher, the poller for http.
// The log and temporal dispatchers rely on POST /v1/jobs/report.
func statusWorkers(a *app) []func(context.Context) error {
	var workers []func(context.Context) error
	switch cfg.Jobs.Dispatcher {
	case "kafka":
		consumer, err := jobs.NewStatusConsumer(cfg.Jobs.Kafka.Brokers, cfg.Jobs.Kafka.StatusTopic,
			cfg.Jobs.Kafka.GroupID, a.lifecycle, retryConfig())
		if err != nil {
			zap.L().Error("kafka status consumer disabled", zap.Error(err))
			break
		}
		workers = append(workers, func(ctx context.Context) error {
			defer consumer.Close() //nolint:errcheck
			return consumer.Run(ctx)
		})
	case "http":
		src, ok := a.dispatcher.Unwrap().(jobs.StatusSource)
		if !ok || cfg.Jobs.HTTP.PollIntervalSecs <= 0 {
			break
		}
		poller := jobs.NewPoller(src, a.lifecycle, a.lifecycle,
			time.Duration(cfg.Jobs.HTTP.PollIntervalSecs)*time.Second)
		workers = append(workers, poller.Run)
	}
	return workers
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
