package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"livelens/internal/domain"
	"livelens/internal/ports"
)

const defaultStylePrefix = "Editorial illustration, soft watercolor textures, muted palette, no text or lettering. Scene: "

// RetrierConfig controls image generation retries.
type RetrierConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	StylePrefix    string
}

// ImageRetrier wraps an image client with a house style and rate-limit retries.
type ImageRetrier struct {
	client      ports.ImageClient
	selectModel func() string
	cfg         RetrierConfig
	logger      *slog.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewImageRetrier(client ports.ImageClient, selectModel func() string, cfg RetrierConfig, logger *slog.Logger) *ImageRetrier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if strings.TrimSpace(cfg.StylePrefix) == "" {
		cfg.StylePrefix = defaultStylePrefix
	}
	if selectModel == nil {
		selectModel = func() string { return "" }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageRetrier{
		client:      client,
		selectModel: selectModel,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// GenerateImage styles the prompt, calls the provider, and retries rate limits.
// The returned image always carries the caller's original prompt.
func (r *ImageRetrier) GenerateImage(ctx context.Context, prompt string, opts ports.ImageOptions) (domain.GeneratedImage, error) {
	styled := r.cfg.StylePrefix + prompt

	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if opts.OnAttempt != nil {
			opts.OnAttempt(attempt + 1)
		}
		model := r.selectModel()
		data, err := r.client.GenerateImage(ctx, model, styled)
		if err == nil {
			return domain.GeneratedImage{
				ImageData: data,
				Prompt:    prompt,
				Model:     model,
				Timestamp: r.now(),
			}, nil
		}
		lastErr = err

		if !IsRateLimitError(err) {
			return domain.GeneratedImage{}, err
		}
		if attempt == r.cfg.MaxAttempts-1 {
			break
		}

		delay := r.backoff(err, attempt)
		if opts.OnRetrying != nil {
			opts.OnRetrying(attempt + 1)
		}
		r.logger.Warn("Image generation rate limited",
			"attempt", attempt+1,
			"maxAttempts", r.cfg.MaxAttempts,
			"delay", delay.String(),
			"model", model)
		if err := r.sleep(ctx, delay); err != nil {
			return domain.GeneratedImage{}, err
		}
	}

	return domain.GeneratedImage{}, &domain.ProviderError{
		Provider: "image",
		Message:  fmt.Sprintf("rate limited after %d attempts", r.cfg.MaxAttempts),
		Err:      lastErr,
	}
}

func (r *ImageRetrier) backoff(err error, attempt int) time.Duration {
	var hinted interface {
		RetryDelay() (time.Duration, bool)
	}
	if errors.As(err, &hinted) {
		if delay, ok := hinted.RetryDelay(); ok {
			return delay
		}
	}
	return r.cfg.InitialBackoff * time.Duration(attempt+1)
}

// IsRateLimitError reports whether err carries an HTTP 429 status or the
// RESOURCE_EXHAUSTED marker.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var coded interface{ HTTPStatusCode() int }
	if errors.As(err, &coded) && coded.HTTPStatusCode() == 429 {
		return true
	}
	return strings.Contains(err.Error(), domain.RateLimitMarker)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
