package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"livelens/internal/domain"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "livelens.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreTranscript(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	speaker := 1
	start := 2.5

	if err := s.AppendTranscript(ctx, "m1", domain.TranscriptSegment{Text: "second", IsFinal: true, Timestamp: base.Add(time.Second)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendTranscript(ctx, "m1", domain.TranscriptSegment{
		Text: "first", IsFinal: true, Timestamp: base, Speaker: &speaker, StartTime: &start, IsUtteranceEnd: true,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendTranscript(ctx, "other", domain.TranscriptSegment{Text: "x", Timestamp: base}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.LoadTranscript(ctx, "m1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].Text != "first" || got[1].Text != "second" {
		t.Fatalf("unexpected segments: %+v", got)
	}
	if got[0].Speaker == nil || *got[0].Speaker != 1 || got[0].StartTime == nil || *got[0].StartTime != 2.5 || !got[0].IsUtteranceEnd {
		t.Fatalf("optional fields lost: %+v", got[0])
	}
	if got[1].Speaker != nil || !got[1].Timestamp.Equal(base.Add(time.Second)) {
		t.Fatalf("unexpected second segment: %+v", got[1])
	}
}

func TestSQLiteStoreAnalysesAndImages(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	result := domain.AnalysisResult{
		Summary:     []string{"a", "b"},
		Topics:      []string{"t"},
		Flow:        40,
		Heat:        60,
		ImagePrompt: "p",
		Timestamp:   now,
	}
	if err := s.AppendAnalysis(ctx, "m1", result); err != nil {
		t.Fatalf("append analysis: %v", err)
	}
	analyses, err := s.LoadAnalyses(ctx, "m1")
	if err != nil {
		t.Fatalf("load analyses: %v", err)
	}
	if len(analyses) != 1 || len(analyses[0].Summary) != 2 || analyses[0].Tags == nil || analyses[0].Heat != 60 {
		t.Fatalf("unexpected analyses: %+v", analyses)
	}
	if !analyses[0].Timestamp.Equal(now) {
		t.Fatalf("timestamp not preserved: %s", analyses[0].Timestamp)
	}

	if err := s.AppendImage(ctx, "m1", domain.GeneratedImage{ImageData: "aW1n", Prompt: "p", Model: "m", Timestamp: now}); err != nil {
		t.Fatalf("append image: %v", err)
	}
	images, err := s.LoadImages(ctx, "m1")
	if err != nil {
		t.Fatalf("load images: %v", err)
	}
	if len(images) != 1 || images[0].ImageData != "aW1n" || images[0].Model != "m" {
		t.Fatalf("unexpected images: %+v", images)
	}
}

func TestSQLiteStoreMetaSummaries(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestMetaSummary(ctx, "m1")
	if err != nil || latest != nil {
		t.Fatalf("expected nil without summaries, got %+v %v", latest, err)
	}

	base := time.UnixMilli(1_700_000_000_000)
	imageID := int64(7)
	for i, end := range []time.Duration{time.Hour, 30 * time.Minute} {
		summary := domain.MetaSummary{
			MeetingID: "m1",
			StartTime: base,
			EndTime:   base.Add(end),
			Summary:   []string{"window"},
			Themes:    []string{"theme"},
		}
		if i == 0 {
			summary.RepresentativeImageID = &imageID
		}
		if err := s.AppendMetaSummary(ctx, summary); err != nil {
			t.Fatalf("append meta: %v", err)
		}
	}

	latest, err = s.LatestMetaSummary(ctx, "m1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || !latest.EndTime.Equal(base.Add(time.Hour)) || latest.RepresentativeImageID == nil || *latest.RepresentativeImageID != 7 {
		t.Fatalf("unexpected latest: %+v", latest)
	}

	all, err := s.LoadMetaSummaries(ctx, "m1")
	if err != nil {
		t.Fatalf("load metas: %v", err)
	}
	if len(all) != 2 || !all[0].EndTime.Before(all[1].EndTime) || all[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected ordering: %+v", all)
	}
}

func TestSQLiteStoreReopenKeepsData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db.sqlite")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.AppendAnalysis(context.Background(), "m1", domain.AnalysisResult{Summary: []string{"x"}, Timestamp: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.LoadAnalyses(context.Background(), "m1")
	if err != nil || len(got) != 1 {
		t.Fatalf("expected persisted analysis, got %d %v", len(got), err)
	}
}
