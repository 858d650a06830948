package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"livelens/internal/domain"
)

const metaInstruction = `You consolidate a window of live meeting analyses into a longer-range summary.
Reply with JSON only:
{
  "summary": 3 to 5 sentences covering the window as a whole,
  "themes": 2 to 4 short labels for the threads that ran through it
}`

// Summarizer implements ports.MetaSummarizer with a Gemini text model.
type Summarizer struct {
	client *Client
	model  string
	schema *jsonschema.Schema
}

func NewSummarizer(client *Client, model string) (*Summarizer, error) {
	schema, err := compileSchema("meta.schema.json", metaSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &Summarizer{client: client, model: model, schema: schema}, nil
}

func (s *Summarizer) Summarize(ctx context.Context, input domain.MetaSummaryInput) (domain.MetaSummaryOutput, error) {
	if len(input.Analyses) == 0 {
		return domain.MetaSummaryOutput{}, errors.New("no analyses to summarize")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Window: %s to %s (%d analyses)\n\n",
		input.StartTime.Format(time.RFC3339),
		input.EndTime.Format(time.RFC3339),
		len(input.Analyses))
	for _, a := range input.Analyses {
		fmt.Fprintf(&b, "[%s] topics: %s\n", a.Timestamp.Format(time.Kitchen), strings.Join(a.Topics, ", "))
		for _, line := range a.Summary {
			fmt.Fprintf(&b, "  - %s\n", line)
		}
	}

	req := generateRequest{
		SystemInstruction: &content{Parts: []part{{Text: metaInstruction}}},
		Contents:          []content{{Role: "user", Parts: []part{{Text: b.String()}}}},
		GenerationConfig:  &generationConfig{ResponseMimeType: "application/json"},
	}
	resp, err := s.client.generateContent(ctx, "meta_summary", s.model, req)
	if err != nil {
		return domain.MetaSummaryOutput{}, err
	}

	var out domain.MetaSummaryOutput
	if err := decodeValidated(s.schema, []byte(stripCodeFence(firstText(resp))), &out); err != nil {
		return domain.MetaSummaryOutput{}, &domain.ProviderError{Provider: "meta_summary", Message: "invalid summary output", Err: err}
	}
	out.Summary = capList(cleanList(out.Summary), 5)
	out.Themes = capList(lo.Uniq(cleanList(out.Themes)), 4)
	if err := requireCounts(
		listCount{"summary", len(out.Summary), 3},
		listCount{"themes", len(out.Themes), 2},
	); err != nil {
		return domain.MetaSummaryOutput{}, &domain.ProviderError{Provider: "meta_summary", Message: "invalid summary output", Err: err}
	}
	return out, nil
}
