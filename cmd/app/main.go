package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	cfgpkg "github.com/local/scansplit/internal/config"
	"github.com/local/scansplit/internal/converter"
	"github.com/local/scansplit/internal/extract"
	logpkg "github.com/local/scansplit/internal/logger"
	"github.com/local/scansplit/internal/metrics"
	"github.com/local/scansplit/internal/orchestrator"
	"github.com/local/scansplit/internal/preview"
	"github.com/local/scansplit/internal/sink"
	"github.com/local/scansplit/internal/source"
	"github.com/local/scansplit/internal/statuscheck"
	"github.com/local/scansplit/internal/storage"
	"github.com/local/scansplit/internal/store"
)

func main() {
	cfg := cfgpkg.FromEnv()

	// Init logging
	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		Service:      "scansplit",
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
		AxiomLevel:   cfg.Axiom.MinLevel,
	})
	defer logpkg.Close()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := orchestrator.Options{
		Engine:    extract.Engine{Concurrency: cfg.Extract.Concurrency},
		Suggester: preview.NewSuggester(cfg.Preview.Lines),
		Renderer:  preview.NewRenderer(cfg.Preview.DPI, cfg.Preview.Fraction, cfg.Preview.Quality),
	}
	check := statuscheck.Options{SofficeBinary: cfg.Converter.Binary, ConverterEnabled: cfg.Converter.Enabled}

	// Label cache and split status (optional)
	if cfg.Redis.URL != "" {
		rc, err := store.Dial(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rc.Close()
		opts.Labels = store.NewLabelCache(rc, cfg.Redis.LabelTTL)
		opts.Status = orchestrator.NewStatusAdapter(store.NewRedisStatus(rc, cfg.Server.SessionTTL))
		check.Redis = statuscheck.RedisPinger(rc)
	} else {
		log.Info().Msg("REDIS_URL not set; label cache and split status disabled")
	}

	// Office conversion (optional)
	if cfg.Converter.Enabled {
		lo := converter.NewLibreOffice(cfg.Converter.Binary, cfg.Converter.Timeout, cfg.Converter.Workers)
		if !lo.Available() {
			log.Warn().Str("binary", cfg.Converter.Binary).Msg("converter enabled but binary not found")
		}
		opts.Converter = lo
	}

	// S3 serves both s3:// sources and the s3 output mode
	var s3c *storage.S3Client
	if cfg.Output.S3.Bucket != "" {
		c, err := storage.NewS3Client(ctx, storage.Options{
			Bucket:          cfg.Output.S3.Bucket,
			Region:          cfg.Output.S3.Region,
			Endpoint:        cfg.Output.S3.Endpoint,
			AccessKeyID:     cfg.Output.S3.AccessKeyID,
			SecretAccessKey: cfg.Output.S3.SecretAccessKey,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init s3 client")
		}
		s3c = c
		check.S3 = c
	}

	deps := orchestrator.Dependencies{
		Session:        opts,
		Checker:        statuscheck.New(check),
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		SessionTTL:     cfg.Server.SessionTTL,
		Fetch: source.Options{
			Password:     cfg.Output.S3.Password,
			AllowHosts:   cfg.Source.AllowedHosts,
			AllowBuckets: cfg.Source.AllowedBuckets,
		},
	}
	if s3c != nil {
		deps.Fetch.S3 = s3c
	}
	log.Info().Strs("hosts", cfg.Source.AllowedHosts).Strs("buckets", cfg.Source.AllowedBuckets).Msg("source references allowed")

	switch cfg.Output.Mode {
	case "s3":
		if s3c == nil {
			log.Fatal().Msg("OUTPUT_MODE=s3 requires AWS_S3_BUCKET")
		}
		deps.Sink = sink.NewBreaker(sink.NewS3(s3c, cfg.Output.S3.Prefix, cfg.Output.S3.Password), 3, 30*time.Second, 5*time.Minute)
	case "memory":
		mem := sink.NewMemory()
		deps.Sink, deps.Files = mem, mem
	default:
		local := sink.NewLocal(cfg.Output.ResultDir)
		deps.Sink, deps.Files = local, local
	}
	log.Info().Str("mode", cfg.Output.Mode).Bool("redis", cfg.Redis.URL != "").Bool("converter", cfg.Converter.Enabled).Msg("outputs configured")

	orch := orchestrator.New(deps)
	mux := http.NewServeMux()
	orch.RegisterRoutes(mux)
	go orch.RunJanitor(ctx, cfg.Server.CleanupEvery)

	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info().Msgf("HTTP server listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer scancel()
	_ = srv.Shutdown(sctx)
	fmt.Println("shutdown complete")
}
