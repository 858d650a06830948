package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"livelens/internal/domain"
)

const analysisInstruction = `You are a meeting companion that watches a live conversation.
Read the new transcript excerpt and the history you are given, then reply with JSON only:
{
  "summary": 3 to 5 short bullet sentences about what was just discussed,
  "topics": 1 to 3 short topic labels,
  "tags": 3 to 5 single-word hashtags,
  "flow": 0-100, how smoothly the conversation is progressing,
  "heat": 0-100, how energetic or contentious it is,
  "imagePrompt": one sentence describing an illustrative scene for this moment, no text or people's names
}
Keep continuity with earlier topics when the conversation continues; note shifts when it changes.`

// Analyzer implements ports.AnalysisProvider with a Gemini text model.
type Analyzer struct {
	client *Client
	model  string
	schema *jsonschema.Schema
	logger *slog.Logger
	now    func() time.Time
}

func NewAnalyzer(client *Client, model string, logger *slog.Logger) (*Analyzer, error) {
	schema, err := compileSchema("analysis.schema.json", analysisSchemaJSON)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{client: client, model: model, schema: schema, logger: logger, now: time.Now}, nil
}

type analysisPayload struct {
	Summary     []string `json:"summary"`
	Topics      []string `json:"topics"`
	Tags        []string `json:"tags"`
	Flow        float64  `json:"flow"`
	Heat        float64  `json:"heat"`
	ImagePrompt string   `json:"imagePrompt"`
}

// AnalyzeTranscript sends the transcript delta, history, and camera frames and
// returns a validated, normalized result.
func (a *Analyzer) AnalyzeTranscript(ctx context.Context, input domain.AnalysisInput) (domain.AnalysisResult, error) {
	if strings.TrimSpace(input.Transcript) == "" {
		return domain.AnalysisResult{}, domain.ErrEmptyTranscript
	}

	temperature := 0.4
	req := generateRequest{
		SystemInstruction: &content{Parts: []part{{Text: analysisInstruction}}},
		Contents:          []content{{Role: "user", Parts: analysisParts(input)}},
		GenerationConfig: &generationConfig{
			ResponseMimeType: "application/json",
			Temperature:      &temperature,
		},
	}

	started := a.now()
	resp, err := a.client.generateContent(ctx, "analysis", a.model, req)
	if err != nil {
		return domain.AnalysisResult{}, err
	}

	var payload analysisPayload
	if err := decodeValidated(a.schema, []byte(stripCodeFence(firstText(resp))), &payload); err != nil {
		return domain.AnalysisResult{}, &domain.ProviderError{Provider: "analysis", Message: "invalid analysis output", Err: err}
	}

	result, err := normalizeAnalysis(payload, a.now())
	if err != nil {
		return domain.AnalysisResult{}, &domain.ProviderError{Provider: "analysis", Message: "invalid analysis output", Err: err}
	}
	a.logger.Debug("Analysis completed",
		"model", a.model,
		"elapsed", a.now().Sub(started).String(),
		"topics", len(result.Topics),
		"frames", len(input.CameraFrames))
	return result, nil
}

func analysisParts(input domain.AnalysisInput) []part {
	var b strings.Builder
	b.WriteString("## New transcript\n")
	b.WriteString(strings.TrimSpace(input.Transcript))
	b.WriteString("\n")

	if input.Context != nil {
		writeContext(&b, *input.Context)
	} else {
		if len(input.PreviousTopics) > 0 {
			fmt.Fprintf(&b, "\n## Previous topics\n%s\n", strings.Join(input.PreviousTopics, ", "))
		}
		if input.PreviousImage != nil && input.PreviousImage.Prompt != "" {
			fmt.Fprintf(&b, "\n## Previous illustration\n%s\n", input.PreviousImage.Prompt)
		}
	}

	parts := []part{{Text: b.String()}}
	if len(input.CameraFrames) > 0 {
		parts = append(parts, part{Text: fmt.Sprintf("%d camera snapshots from the room follow, oldest first.", len(input.CameraFrames))})
		for _, frame := range input.CameraFrames {
			parts = append(parts, part{InlineData: &inlineData{MimeType: frame.MimeType, Data: frame.Data}})
		}
	}
	return parts
}

func writeContext(b *strings.Builder, history domain.AnalysisContext) {
	if len(history.RecentAnalyses) > 0 {
		b.WriteString("\n## Recent analyses\n")
		for _, a := range history.RecentAnalyses {
			fmt.Fprintf(b, "- [%s] topics: %s; %s\n",
				a.Timestamp.Format(time.Kitchen),
				strings.Join(a.Topics, ", "),
				strings.Join(a.Summary, " "))
		}
	}
	if len(history.RecentImages) > 0 {
		b.WriteString("\n## Recent illustrations\n")
		for _, img := range history.RecentImages {
			fmt.Fprintf(b, "- %s\n", img.Prompt)
		}
	}
	if len(history.MetaSummaries) > 0 {
		b.WriteString("\n## Earlier in this meeting\n")
		for _, m := range history.MetaSummaries {
			fmt.Fprintf(b, "- %s to %s: %s\n",
				m.StartTime.Format(time.Kitchen),
				m.EndTime.Format(time.Kitchen),
				strings.Join(m.Summary, " "))
		}
	}
	if len(history.CumulativeThemes) > 0 {
		fmt.Fprintf(b, "\n## Recurring themes\n%s\n", strings.Join(history.CumulativeThemes, ", "))
	}
}

// normalizeAnalysis cleans the model lists and rejects output whose lists
// fall below their minimum once blanks and duplicates are removed.
func normalizeAnalysis(payload analysisPayload, now time.Time) (domain.AnalysisResult, error) {
	tags := lo.Uniq(lo.Map(cleanList(payload.Tags), func(tag string, _ int) string {
		tag = strings.Join(strings.Fields(strings.TrimLeft(tag, "#")), "")
		return "#" + tag
	}))
	tags = lo.Filter(tags, func(tag string, _ int) bool { return tag != "#" })

	result := domain.AnalysisResult{
		Summary:     capList(cleanList(payload.Summary), 5),
		Topics:      capList(cleanList(payload.Topics), 3),
		Tags:        capList(tags, 5),
		Flow:        clampScore(payload.Flow),
		Heat:        clampScore(payload.Heat),
		ImagePrompt: strings.TrimSpace(payload.ImagePrompt),
		Timestamp:   now,
	}
	if err := requireCounts(
		listCount{"summary", len(result.Summary), 3},
		listCount{"topics", len(result.Topics), 1},
		listCount{"tags", len(result.Tags), 3},
	); err != nil {
		return domain.AnalysisResult{}, err
	}
	if result.ImagePrompt == "" {
		return domain.AnalysisResult{}, errors.New("imagePrompt is blank")
	}
	return result, nil
}

type listCount struct {
	name string
	got  int
	min  int
}

func requireCounts(counts ...listCount) error {
	for _, c := range counts {
		if c.got < c.min {
			return fmt.Errorf("%s has %d usable items, need at least %d", c.name, c.got, c.min)
		}
	}
	return nil
}

func cleanList(items []string) []string {
	return lo.Filter(lo.Map(items, func(item string, _ int) string {
		return strings.TrimSpace(item)
	}), func(item string, _ int) bool {
		return item != ""
	})
}

func capList(items []string, max int) []string {
	if len(items) > max {
		return items[:max]
	}
	return items
}

func clampScore(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, v))))
}
