package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"livelens/internal/domain"
)

const (
	defaultRegion  = "us-east-1"
	defaultModelID = "amazon.titan-image-generator-v2:0"
	defaultTimeout = 60 * time.Second
)

type invokeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config controls the Bedrock image client.
type Config struct {
	Region  string
	ModelID string
	Width   int
	Height  int
	Timeout time.Duration
}

// ImageClient implements ports.ImageClient with Titan/Nova text-to-image models.
type ImageClient struct {
	mu     sync.Mutex
	client invokeClient
	cfg    Config
}

func NewImageClient(cfg Config) *ImageClient {
	return NewImageClientWithClient(cfg, nil)
}

func NewImageClientWithClient(cfg Config, client invokeClient) *ImageClient {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = defaultRegion
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = defaultModelID
	}
	if cfg.Width <= 0 {
		cfg.Width = 1024
	}
	if cfg.Height <= 0 {
		cfg.Height = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &ImageClient{client: client, cfg: cfg}
}

type textToImageRequest struct {
	TaskType          string `json:"taskType"`
	TextToImageParams struct {
		Text string `json:"text"`
	} `json:"textToImageParams"`
	ImageGenerationConfig struct {
		NumberOfImages int     `json:"numberOfImages"`
		Width          int     `json:"width"`
		Height         int     `json:"height"`
		CfgScale       float64 `json:"cfgScale"`
	} `json:"imageGenerationConfig"`
}

type textToImageResponse struct {
	Images []string `json:"images"`
	Error  *string  `json:"error"`
}

// GenerateImage invokes model (or the configured default) and returns the
// first base64 image.
func (c *ImageClient) GenerateImage(ctx context.Context, model string, prompt string) (string, error) {
	client, err := c.resolveClient(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(model) == "" {
		model = c.cfg.ModelID
	}

	var req textToImageRequest
	req.TaskType = "TEXT_IMAGE"
	req.TextToImageParams.Text = prompt
	req.ImageGenerationConfig.NumberOfImages = 1
	req.ImageGenerationConfig.Width = c.cfg.Width
	req.ImageGenerationConfig.Height = c.cfg.Height
	req.ImageGenerationConfig.CfgScale = 8
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode bedrock request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	out, err := client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", normalizeBedrockError(err)
	}

	var resp textToImageResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", &domain.ProviderError{Provider: "image", Message: "malformed response", Err: err}
	}
	if resp.Error != nil && *resp.Error != "" {
		return "", &domain.ProviderError{Provider: "image", Message: *resp.Error}
	}
	if len(resp.Images) == 0 || resp.Images[0] == "" {
		return "", &domain.ProviderError{Provider: "image", Message: "response contained no image"}
	}
	return resp.Images[0], nil
}

func normalizeBedrockError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.ProviderError{Provider: "image", Message: "request timed out", Err: err}
	}

	providerErr := &domain.ProviderError{Provider: "image", Err: err}
	var coded interface{ HTTPStatusCode() int }
	if errors.As(err, &coded) {
		providerErr.StatusCode = coded.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		providerErr.Status = apiErr.ErrorCode()
		providerErr.Message = apiErr.ErrorMessage()
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			providerErr.StatusCode = 429
		}
	}
	return providerErr
}

func (c *ImageClient) resolveClient(ctx context.Context) (invokeClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	c.client = bedrockruntime.NewFromConfig(awsCfg)
	return c.client, nil
}
