package contextbuilder

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"livelens/internal/domain"
	"livelens/internal/ports"
)

const (
	defaultRecentAnalyses = 3
	defaultRecentImages   = 2
	defaultMetaSummaries  = 6
	defaultThemes         = 8
)

// Limits bound how much history each tier carries.
type Limits struct {
	RecentAnalyses int
	RecentImages   int
	MetaSummaries  int
	Themes         int
}

// Builder assembles analysis context from persisted meeting history.
type Builder struct {
	store  ports.Store
	limits Limits
}

func New(store ports.Store, limits Limits) (*Builder, error) {
	if store == nil {
		return nil, errors.New("context builder requires a store")
	}
	if limits.RecentAnalyses <= 0 {
		limits.RecentAnalyses = defaultRecentAnalyses
	}
	if limits.RecentImages <= 0 {
		limits.RecentImages = defaultRecentImages
	}
	if limits.MetaSummaries <= 0 {
		limits.MetaSummaries = defaultMetaSummaries
	}
	if limits.Themes <= 0 {
		limits.Themes = defaultThemes
	}
	return &Builder{store: store, limits: limits}, nil
}

// Build returns recent analyses and images (tier 1), recent meta-summaries
// (tier 2) and cumulative themes across all meta-summaries (tier 3).
func (b *Builder) Build(ctx context.Context, meetingID string) (domain.AnalysisContext, error) {
	analyses, err := b.store.LoadAnalyses(ctx, meetingID)
	if err != nil {
		return domain.AnalysisContext{}, fmt.Errorf("load analyses: %w", err)
	}
	images, err := b.store.LoadImages(ctx, meetingID)
	if err != nil {
		return domain.AnalysisContext{}, fmt.Errorf("load images: %w", err)
	}
	metas, err := b.store.LoadMetaSummaries(ctx, meetingID)
	if err != nil {
		return domain.AnalysisContext{}, fmt.Errorf("load meta-summaries: %w", err)
	}

	return domain.AnalysisContext{
		RecentAnalyses:   lastN(analyses, b.limits.RecentAnalyses),
		RecentImages:     lastN(images, b.limits.RecentImages),
		MetaSummaries:    lastN(metas, b.limits.MetaSummaries),
		CumulativeThemes: RankThemes(metas, b.limits.Themes),
	}, nil
}

// RankThemes orders themes by how many meta-summaries mention them. Ties keep
// first-appearance order. Matching ignores case and surrounding space.
func RankThemes(metas []domain.MetaSummary, limit int) []string {
	type themeCount struct {
		label string
		count int
		first int
	}

	counts := map[string]*themeCount{}
	order := 0
	for _, meta := range metas {
		for _, theme := range meta.Themes {
			label := strings.TrimSpace(theme)
			if label == "" {
				continue
			}
			key := strings.ToLower(label)
			if existing, ok := counts[key]; ok {
				existing.count++
				continue
			}
			counts[key] = &themeCount{label: label, count: 1, first: order}
			order++
		}
	}

	ranked := lo.Values(counts)
	slices.SortFunc(ranked, func(a, b *themeCount) int {
		if a.count != b.count {
			return b.count - a.count
		}
		return a.first - b.first
	})
	labels := lo.Map(ranked, func(t *themeCount, _ int) string { return t.label })
	if limit > 0 && len(labels) > limit {
		labels = labels[:limit]
	}
	return labels
}

func lastN[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
