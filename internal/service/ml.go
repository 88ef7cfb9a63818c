package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrMLRequest marks a request-level failure against the ML service.
// Every item of the affected batch is considered failed.
var ErrMLRequest = errors.New("ml service request failed")

const (
	capabilitiesPath = "/capabilities"
	batchEmbedPath   = "/batch_embed_and_caption"
)

// MLService is the client of the embedding and captioning service.
// It is safe for concurrent use by several ML workers.
type MLService struct {
	client    *resty.Client // batch calls, no retry
	capClient *resty.Client // capability probe, retried with backoff
	baseURL   string
}

// MLConfig holds configuration for the ML service client.
type MLConfig struct {
	BaseURL string
	Timeout time.Duration
	Retries int
}

// NewMLService creates a new ML service client.
// Parameters:
//   - cfg: base URL, request timeout and capability probe retry count.
//
// Returns:
//   - *MLService: initialized client.
func NewMLService(cfg *MLConfig) *MLService {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)

	// resty backs off exponentially between attempts, with jitter
	capClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(4 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &MLService{
		client:    client,
		capClient: capClient,
		baseURL:   baseURL,
	}
}

// BaseURL returns the service base URL.
func (s *MLService) BaseURL() string {
	return s.baseURL
}

// Capabilities is the self-reported capacity of the ML service.
type Capabilities struct {
	// SafeBatchSizes maps model name to the largest batch it can run without exhausting accelerator memory.
	SafeBatchSizes map[string]int `json:"safe_batch_sizes"`
	Device         string         `json:"device,omitempty"`
}

// SafeBatchSize returns the smallest positive per-model safe batch size, or 0 if none is reported.
// The service takes one combined call, so the most constrained model bounds the batch.
func (c *Capabilities) SafeBatchSize() int {
	smallest := math.MaxInt
	for _, size := range c.SafeBatchSizes {
		if size > 0 && size < smallest {
			smallest = size
		}
	}
	if smallest == math.MaxInt {
		return 0
	}
	return smallest
}

// Capabilities queries the capability endpoint.
func (s *MLService) Capabilities(ctx context.Context) (*Capabilities, error) {
	var caps Capabilities
	resp, err := s.capClient.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(&caps).
		Get(capabilitiesPath)
	if err != nil {
		return nil, fmt.Errorf("%w: capabilities: %v", ErrMLRequest, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: capabilities: HTTP %d", ErrMLRequest, resp.StatusCode())
	}
	return &caps, nil
}

// MLImage is one input of a batch call. UniqueID is the correlation key.
type MLImage struct {
	UniqueID    string `json:"unique_id"`
	ImageBase64 string `json:"image_base64"`
	Filename    string `json:"filename"`
}

// MLResult is the service's answer for one input.
type MLResult struct {
	UniqueID  string    `json:"unique_id"`
	Embedding []float32 `json:"embedding,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type batchRequest struct {
	Images []MLImage `json:"images"`
}

type batchResponse struct {
	Results []MLResult `json:"results"`
	Detail  string     `json:"detail,omitempty"`
}

// BatchEmbedAndCaption embeds and captions a batch of images in one request.
// The returned results are in service order; callers match them by UniqueID.
func (s *MLService) BatchEmbedAndCaption(ctx context.Context, images []MLImage) ([]MLResult, error) {
	if len(images) == 0 {
		return []MLResult{}, nil
	}

	var result batchResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(batchRequest{Images: images}).
		ForceContentType("application/json").
		SetResult(&result).
		SetError(&result).
		Post(batchEmbedPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMLRequest, err)
	}

	if resp.IsError() {
		if result.Detail != "" {
			return nil, fmt.Errorf("%w: HTTP %d: %s", ErrMLRequest, resp.StatusCode(), result.Detail)
		}
		return nil, fmt.Errorf("%w: HTTP %d", ErrMLRequest, resp.StatusCode())
	}

	return result.Results, nil
}
