package gemini

import (
	"context"

	"livelens/internal/domain"
)

// ImageClient implements ports.ImageClient with Gemini image-capable models.
type ImageClient struct {
	client *Client
}

func NewImageClient(client *Client) *ImageClient {
	return &ImageClient{client: client}
}

// GenerateImage returns the base64 payload of the first inline image part.
func (c *ImageClient) GenerateImage(ctx context.Context, model string, prompt string) (string, error) {
	req := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
		},
	}
	resp, err := c.client.generateContent(ctx, "image", model, req)
	if err != nil {
		return "", err
	}
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.InlineData != nil && p.InlineData.Data != "" {
			return p.InlineData.Data, nil
		}
	}
	return "", &domain.ProviderError{Provider: "image", Message: "response contained no image"}
}
