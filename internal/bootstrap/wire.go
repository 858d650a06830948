package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"livelens/internal/config"
	"livelens/internal/contextbuilder"
	"livelens/internal/domain"
	"livelens/internal/ports"
	"livelens/internal/providers/bedrock"
	"livelens/internal/providers/deepgram"
	"livelens/internal/providers/gemini"
	"livelens/internal/store"
	"livelens/internal/transport"
	"livelens/internal/usecase"
	"livelens/internal/vocabulary"
)

// Services is the assembled runtime graph.
type Services struct {
	Config     config.Config
	Server     *transport.Server
	Store      *store.SQLiteStore
	Vocabulary *vocabulary.Corrector
}

// Close releases resources held by the runtime graph.
func (s Services) Close() error {
	if s.Store == nil {
		return nil
	}
	return s.Store.Close()
}

// Build wires all backend dependencies. ctx bounds background watchers.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	corrector, err := vocabulary.New(cfg.Vocabulary.Path, cfg.Vocabulary.IterationLimit, logger)
	if err != nil {
		return Services{}, err
	}
	if cfg.Vocabulary.Watch {
		startVocabularyWatch(ctx, corrector, cfg.Vocabulary.Path, logger)
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return Services{}, err
	}

	services, err := buildUsecaseServices(cfg, db, corrector, logger)
	if err != nil {
		db.Close()
		return Services{}, err
	}

	sessionCfg := sessionConfig(cfg)
	server, err := transport.NewServer(transport.Options{
		Controllers: func(events ports.EventSink, connLogger *slog.Logger) transport.SessionController {
			return usecase.NewSessionController(services, events, sessionCfg, connLogger)
		},
		MetaSummaries:  db,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		db.Close()
		return Services{}, err
	}

	return Services{
		Config:     cfg,
		Server:     server,
		Store:      db,
		Vocabulary: corrector,
	}, nil
}

func buildUsecaseServices(cfg config.Config, db *store.SQLiteStore, corrector *vocabulary.Corrector, logger *slog.Logger) (usecase.Services, error) {
	geminiClient := gemini.NewClient(gemini.ClientConfig{
		APIKey:  cfg.Gemini.APIKey,
		BaseURL: cfg.Gemini.APIBaseURL,
		Timeout: cfg.Gemini.Timeout,
	})

	analyzer, err := gemini.NewAnalyzer(geminiClient, cfg.Gemini.AnalysisModel, logger)
	if err != nil {
		return usecase.Services{}, fmt.Errorf("build analyzer: %w", err)
	}
	summarizer, err := gemini.NewSummarizer(geminiClient, cfg.Gemini.SummaryModel)
	if err != nil {
		return usecase.Services{}, fmt.Errorf("build summarizer: %w", err)
	}
	builder, err := contextbuilder.New(db, contextbuilder.Limits{
		RecentAnalyses: cfg.Store.RecentAnalyses,
		RecentImages:   cfg.Store.RecentImages,
		MetaSummaries:  cfg.Store.MetaSummaries,
		Themes:         cfg.Store.Themes,
	})
	if err != nil {
		return usecase.Services{}, err
	}

	var images ports.ImageClient
	switch cfg.Image.Provider {
	case config.ImageProviderBedrock:
		images = bedrock.NewImageClient(bedrock.Config{
			Region:  cfg.Bedrock.Region,
			ModelID: cfg.Image.StandardModel,
		})
	default:
		images = gemini.NewImageClient(geminiClient)
	}

	return usecase.Services{
		Transcription: deepgram.NewProvider(deepgram.Config{
			APIKey:         cfg.Deepgram.APIKey,
			APIBaseURL:     cfg.Deepgram.APIBaseURL,
			Model:          cfg.Deepgram.Model,
			Language:       cfg.Deepgram.Language,
			SmartFormat:    cfg.Deepgram.SmartFormat,
			Diarize:        cfg.Deepgram.Diarize,
			VADEvents:      cfg.Deepgram.UtteranceEndMs > 0,
			UtteranceEndMs: cfg.Deepgram.UtteranceEndMs,
		}),
		Analyzer:       analyzer,
		ImageClient:    images,
		ContextBuilder: builder,
		Store:          db,
		Meta: usecase.NewMetaSummaryScheduler(db, summarizer, usecase.MetaConfig{
			SessionCountThreshold: cfg.Meta.SessionThreshold,
			Interval:              cfg.Meta.Interval,
		}, logger),
		Corrector: corrector,
	}, nil
}

func sessionConfig(cfg config.Config) usecase.Config {
	return usecase.Config{
		Ingestion: usecase.IngestionConfig{
			Streaming: ports.StreamingConfig{
				SampleRate:     cfg.Deepgram.SampleRate,
				Channels:       1,
				Encoding:       cfg.Deepgram.Encoding,
				InterimResults: true,
			},
			Limits: usecase.BufferLimits{
				MaxChunks:     cfg.Audio.MaxPendingChunks,
				MaxChunkBytes: cfg.Audio.MaxPendingChunkBytes,
				MaxTotalBytes: cfg.Audio.MaxPendingBytes,
			},
			HandshakeTimeout:  cfg.Deepgram.HandshakeTimeout,
			KeepAliveInterval: cfg.Deepgram.KeepAlive,
		},
		Thresholds: usecase.Thresholds{
			Interval:  cfg.Analysis.Interval,
			WordCount: cfg.Analysis.WordThreshold,
		},
		AnalysisCheckInterval: cfg.Analysis.CheckInterval,
		MetaCheckInterval:     cfg.Meta.CheckInterval,
		Retrier: usecase.RetrierConfig{
			MaxAttempts:    cfg.Image.MaxAttempts,
			InitialBackoff: cfg.Image.InitialBackoff,
			StylePrefix:    cfg.Image.StylePrefix,
		},
		ImageModels: map[domain.ImageQuality]string{
			domain.ImageQualityStandard: cfg.Image.StandardModel,
			domain.ImageQualityHigh:     cfg.Image.HighModel,
		},
		DefaultQuality: domain.ImageQuality(cfg.Image.DefaultQuality),
	}
}

func startVocabularyWatch(ctx context.Context, corrector *vocabulary.Corrector, path string, logger *slog.Logger) {
	if path == "" {
		return
	}
	if _, err := os.Stat(filepath.Dir(path)); errors.Is(err, os.ErrNotExist) {
		logger.Info("Vocabulary directory missing; hot reload disabled", "path", path)
		return
	}
	if err := corrector.Watch(ctx); err != nil {
		logger.Warn("Vocabulary hot reload disabled", "error", err)
	}
}
