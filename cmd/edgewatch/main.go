package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/crimson-sun/edgewatch/internal/analyzer"
	"github.com/crimson-sun/edgewatch/internal/batcher"
	"github.com/crimson-sun/edgewatch/internal/config"
	"github.com/crimson-sun/edgewatch/internal/connector"
	"github.com/crimson-sun/edgewatch/internal/errkind"
	"github.com/crimson-sun/edgewatch/internal/logging"
	"github.com/crimson-sun/edgewatch/internal/metrics"
	"github.com/crimson-sun/edgewatch/internal/output"
	"github.com/crimson-sun/edgewatch/internal/output/async"
	"github.com/crimson-sun/edgewatch/internal/output/file"
	"github.com/crimson-sun/edgewatch/internal/output/multi"
	"github.com/crimson-sun/edgewatch/internal/output/stdout"
	"github.com/crimson-sun/edgewatch/internal/output/webhook"
	"github.com/crimson-sun/edgewatch/internal/pipeline"
	"github.com/crimson-sun/edgewatch/internal/rules"
	"github.com/crimson-sun/edgewatch/internal/shutdown"

	// Register connector implementations.
	_ "github.com/crimson-sun/edgewatch/internal/connector/cloudflare"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("edgewatch", pflag.ContinueOnError)
	flags := config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(flags.ConfigPath())
	if err == nil {
		flags.Apply(&cfg)
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgewatch: %v\n", err)
		return 1
	}

	logger := logging.Init(cfg.Log.Format, logging.ParseLevel(cfg.Log.Level), cfg.Output.Echo)
	if err := serve(cfg, logger); err != nil {
		logger.Error("edgewatch failed", "kind", errkind.KindOf(err).String(), "error", err)
		return 1
	}
	return 0
}

// serve wires every component, runs until SIGINT/SIGTERM, and tears down in
// order. Only startup failures are returned.
func serve(cfg config.Config, logger *slog.Logger) error {
	reg := metrics.NewRegistry()

	var metricsLn net.Listener
	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return errkind.New(errkind.FatalConfig, "metrics listen", err)
		}
		metricsLn = ln
	}

	archive, err := buildArchive(cfg.Output, logger, reg.Archive)
	if err != nil {
		return errkind.New(errkind.FatalConfig, "open archive", err)
	}

	ctor, err := connector.Get(cfg.Connector.Provider)
	if err != nil {
		return errkind.New(errkind.FatalConfig, "connector", err)
	}
	conn, err := ctor(connector.ConnectorConfig{
		Provider:       cfg.Connector.Provider,
		APIKey:         cfg.Connector.APIKey,
		ZoneID:         cfg.Connector.ZoneID,
		Endpoint:       cfg.Connector.Endpoint,
		Fields:         cfg.Connector.Fields,
		SampleRate:     cfg.Connector.SampleRate,
		Filter:         cfg.Connector.Filter,
		RetryDelay:     cfg.Connector.RetryDelay,
		RequestTimeout: cfg.Connector.RequestTimeout,
		Renewal:        cfg.Stream.RenewalInterval,
	}, connector.Deps{Logger: logger, Archive: archive, Metrics: reg})
	if err != nil {
		return err
	}

	sinks := buildSinks(cfg, logger)
	dispatcher := pipeline.NewAnalysisDispatcher(buildAnalyzer(cfg.Analyzer, logger, reg), sinks, logger, reg.Analysis)
	b := batcher.New(dispatcher,
		batcher.WithMaxSize(cfg.Batch.MaxSize),
		batcher.WithMaxAge(cfg.Batch.FlushInterval),
		batcher.WithLogger(logger),
		batcher.WithMetrics(reg.Batcher),
	)

	sig := shutdown.NewSignal()
	coord := shutdown.New(sig, shutdown.WithGrace(cfg.ShutdownGrace), shutdown.WithLogger(logger))
	p := pipeline.New(conn, b, sig,
		pipeline.WithReconnectDelay(cfg.Stream.ReconnectDelay),
		pipeline.WithLogger(logger),
	)

	g, gctx := errgroup.WithContext(context.Background())

	pipeCtx, cancelPipe := context.WithCancel(context.Background())
	pipeDone := make(chan struct{})
	g.Go(func() error {
		defer close(pipeDone)
		return p.Run(pipeCtx)
	})

	tickCtx, cancelTick := context.WithCancel(context.Background())
	defer cancelTick()
	g.Go(func() error { return b.Run(tickCtx) })

	var srv *http.Server
	if metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := srv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		logger.Info("serving metrics", "addr", metricsLn.Addr().String())
	}

	coord.OnFlush("batcher", b.Drain)
	coord.SetTask(cancelPipe, pipeDone, conn.Abort)
	coord.OnResidual("batcher", func(ctx context.Context) error {
		// no age flush may start behind Settle's back
		cancelTick()
		n, err := b.Settle(ctx)
		if n > 0 {
			logger.Info("flushed records received during teardown", "records", n)
		}
		return err
	})
	coord.OnRelease("connector", func(context.Context) error { return conn.Close() })
	if srv != nil {
		coord.OnRelease("metrics", srv.Shutdown)
	}
	if archive != nil {
		coord.OnClose("archive", func(context.Context) error { return archive.Close() })
	}
	coord.OnClose("findings", func(context.Context) error { return sinks.Close() })

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		s := <-sigCh
		logger.Info("received signal, shutting down", "signal", s.String())
		coord.RequestShutdown()
		s = <-sigCh
		logger.Error("received second signal, exiting immediately", "signal", s.String())
		os.Exit(1)
	}()

	logger.Info("edgewatch starting",
		"connector", cfg.Connector.Provider,
		"zone_id", cfg.Connector.ZoneID,
		"fields", len(cfg.Connector.Fields),
		"batch_size", cfg.Batch.MaxSize,
		"batch_interval", cfg.Batch.FlushInterval.String(),
		"renewal", cfg.Stream.RenewalInterval.String())

	// Teardown errors are logged by the coordinator; they do not change the exit code.
	_ = coord.Wait(gctx)
	if err := g.Wait(); err != nil {
		logger.Error("task ended with error", "error", err)
	}
	return nil
}

// buildArchive opens the raw record archive. It returns nil when neither a
// file nor stdout echo is configured.
func buildArchive(cfg config.OutputConfig, logger *slog.Logger, m *metrics.ArchiveMetrics) (output.Output, error) {
	var outs []output.Output
	if cfg.File != "" {
		opts := []file.Option{file.WithAutoFlush()}
		if cfg.MaxBytes > 0 {
			opts = append(opts, file.WithMaxSize(cfg.MaxBytes), file.WithMaxSegments(cfg.MaxSegments))
		}
		if cfg.CompressRotated {
			opts = append(opts, file.WithCompressRotated())
		}
		f, err := file.New(cfg.File, opts...)
		if err != nil {
			return nil, err
		}
		outs = append(outs, f)
	}
	if cfg.Echo {
		outs = append(outs, stdout.New())
	}

	var inner output.Output
	switch len(outs) {
	case 0:
		return nil, nil
	case 1:
		inner = outs[0]
	default:
		inner = multi.New(outs...)
	}
	// The stream must never wait on disk.
	return async.New(inner, async.WithDropOnFull(), async.WithLogger(logger), async.WithMetrics(m)), nil
}

func buildAnalyzer(cfg config.AnalyzerConfig, logger *slog.Logger, reg *metrics.Registry) analyzer.Analyzer {
	if cfg.APIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, batches will not be analyzed")
		return analyzer.Discard{Logger: logger}
	}
	return analyzer.NewOpenAI(cfg.APIKey,
		analyzer.WithModel(cfg.Model),
		analyzer.WithBaseURL(cfg.BaseURL),
		analyzer.WithRateLimit(cfg.RequestsPerSec),
		analyzer.WithTimeout(cfg.Timeout),
		analyzer.WithMaxPromptRecords(cfg.MaxPromptRecords),
		analyzer.WithLogger(logger),
		analyzer.WithMetrics(reg.Analysis),
	)
}

func buildSinks(cfg config.Config, logger *slog.Logger) *multi.Sinks {
	var sinks []output.FindingSink
	if cfg.Rules.File != "" {
		sinks = append(sinks, rules.NewTFVarsSink(cfg.Rules.File,
			rules.WithHost(cfg.Rules.Host),
			rules.WithMinConfidence(cfg.Rules.MinConfidence),
			rules.WithLogger(logger),
		))
	}
	if cfg.Output.WebhookURL != "" {
		sinks = append(sinks, webhook.New(cfg.Output.WebhookURL,
			webhook.WithOnError(func(err error) { logger.Warn("webhook delivery failed", "error", err) }),
		))
	}
	if len(sinks) == 0 {
		logger.Info("no findings sink configured, findings are only logged")
	}
	return multi.NewSinks(sinks...)
}
