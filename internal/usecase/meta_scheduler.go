package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"livelens/internal/domain"
	"livelens/internal/ports"
)

// MetaConfig controls when analyses are rolled up into a meta-summary.
type MetaConfig struct {
	SessionCountThreshold int
	Interval              time.Duration
}

// MetaSummaryScheduler rolls persisted analyses into meta-summaries. It is a
// best-effort background job; failures are logged and never returned.
type MetaSummaryScheduler struct {
	store      ports.Store
	summarizer ports.MetaSummarizer
	cfg        MetaConfig
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

func NewMetaSummaryScheduler(store ports.Store, summarizer ports.MetaSummarizer, cfg MetaConfig, logger *slog.Logger) *MetaSummaryScheduler {
	if cfg.SessionCountThreshold < 1 {
		cfg.SessionCountThreshold = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MetaSummaryScheduler{
		store:      store,
		summarizer: summarizer,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		running:    make(map[string]struct{}),
	}
}

// ShouldTriggerMetaSummary applies the roll-up predicate to already-loaded history.
func ShouldTriggerMetaSummary(lastMeta *domain.MetaSummary, fresh []domain.AnalysisResult, now time.Time, cfg MetaConfig) bool {
	if len(fresh) < cfg.SessionCountThreshold {
		return false
	}
	if lastMeta == nil {
		return true
	}
	return now.Sub(lastMeta.EndTime) >= cfg.Interval
}

// FreshAnalyses returns analyses newer than the last meta-summary window.
func FreshAnalyses(lastMeta *domain.MetaSummary, analyses []domain.AnalysisResult) []domain.AnalysisResult {
	if lastMeta == nil {
		return analyses
	}
	return lo.Filter(analyses, func(a domain.AnalysisResult, _ int) bool {
		return a.Timestamp.After(lastMeta.EndTime)
	})
}

// Check evaluates the trigger for a meeting and, if it fires, produces and
// persists one meta-summary. It reports whether a summary was written.
func (m *MetaSummaryScheduler) Check(ctx context.Context, meetingID string) bool {
	if meetingID == "" || m.store == nil || m.summarizer == nil {
		return false
	}
	if !m.acquire(meetingID) {
		return false
	}
	defer m.release(meetingID)

	created, err := m.run(ctx, meetingID)
	if err != nil {
		m.logger.Error("Meta-summary rollup failed", "meetingID", meetingID, "error", err)
		return false
	}
	return created
}

// acquire marks a meeting's roll-up as running. Checks for the same meeting
// do not overlap; different meetings proceed independently.
func (m *MetaSummaryScheduler) acquire(meetingID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.running[meetingID]; busy {
		return false
	}
	m.running[meetingID] = struct{}{}
	return true
}

func (m *MetaSummaryScheduler) release(meetingID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, meetingID)
}

func (m *MetaSummaryScheduler) run(ctx context.Context, meetingID string) (bool, error) {
	lastMeta, err := m.store.LatestMetaSummary(ctx, meetingID)
	if err != nil {
		return false, fmt.Errorf("load latest meta-summary: %w", err)
	}
	analyses, err := m.store.LoadAnalyses(ctx, meetingID)
	if err != nil {
		return false, fmt.Errorf("load analyses: %w", err)
	}

	fresh := FreshAnalyses(lastMeta, analyses)
	if !ShouldTriggerMetaSummary(lastMeta, fresh, m.now(), m.cfg) {
		return false, nil
	}

	input := domain.MetaSummaryInput{
		Analyses:  fresh,
		StartTime: fresh[0].Timestamp,
		EndTime:   fresh[len(fresh)-1].Timestamp,
	}
	out, err := m.summarizer.Summarize(ctx, input)
	if err != nil {
		return false, fmt.Errorf("summarize: %w", err)
	}

	summary := domain.MetaSummary{
		MeetingID: meetingID,
		StartTime: input.StartTime,
		EndTime:   input.EndTime,
		Summary:   out.Summary,
		Themes:    out.Themes,
		CreatedAt: m.now(),
	}
	if err := m.store.AppendMetaSummary(ctx, summary); err != nil {
		return false, fmt.Errorf("persist meta-summary: %w", err)
	}

	m.logger.Info("Meta-summary created",
		"meetingID", meetingID,
		"analyses", len(fresh),
		"start", input.StartTime,
		"end", input.EndTime)
	return true, nil
}
