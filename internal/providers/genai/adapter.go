// Package genai implements the single-shot content-generation protocol:
// request and response in one round trip, used for chat and direct image
// generation.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"storyreel/internal/domain"
	"storyreel/internal/providers"
	"storyreel/internal/refimage"
	"storyreel/internal/retry"
)

// Options configures the adapter.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Images     *refimage.Normalizer
	Logger     zerolog.Logger
	Retry      retry.Options
}

// Adapter speaks the generateContent wire protocol.
type Adapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	images     *refimage.Normalizer
	logger     zerolog.Logger
	retry      retry.Options
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts,omitempty"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
	FileData   *fileData   `json:"fileData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type fileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type generationConfig struct {
	CandidateCount     int      `json:"candidateCount,omitempty"`
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason,omitempty"`
	} `json:"candidates"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// New constructs the adapter with sane defaults.
func New(opts Options) *Adapter {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	images := opts.Images
	if images == nil {
		images = refimage.NewNormalizer(refimage.Options{Logger: opts.Logger})
	}
	return &Adapter{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: client,
		images:     images,
		logger:     opts.Logger,
		retry:      opts.Retry,
	}
}

func (a *Adapter) Name() string { return "genai" }

// Submit performs the single round trip and returns the final result directly;
// there is never a job reference.
func (a *Adapter) Submit(ctx context.Context, task *domain.Task) (providers.Submission, error) {
	parts := []part{{Text: task.Prompt}}
	for _, img := range a.images.InlineAll(ctx, task.ReferenceImages) {
		if img.Inline() {
			parts = append(parts, part{InlineData: &inlineData{MimeType: img.MimeType, Data: img.Data}})
		} else {
			parts = append(parts, part{FileData: &fileData{FileURI: img.URL}})
		}
	}

	payload := generateRequest{
		Contents:         []content{{Role: "user", Parts: parts}},
		GenerationConfig: &generationConfig{CandidateCount: 1},
	}
	if task.Type == domain.TaskTypeImage {
		payload.GenerationConfig.ResponseModalities = []string{"TEXT", "IMAGE"}
	}

	var response generateResponse
	path := fmt.Sprintf("/models/%s:generateContent", url.PathEscape(task.ModelID))
	err := retry.Do(ctx, func(ctx context.Context) error {
		return a.invoke(ctx, path, payload, &response)
	}, a.retry)
	if err != nil {
		return providers.Submission{}, err
	}

	result, err := a.extractResult(ctx, task.Type, response)
	if err != nil {
		return providers.Submission{}, err
	}
	a.logger.Debug().
		Str("task_id", task.ID).
		Str("model", task.ModelID).
		Msg("genai: generated asset in one round trip")
	return providers.Submission{Result: result}, nil
}

// Poll is never valid for a single-shot protocol.
func (a *Adapter) Poll(ctx context.Context, ref providers.JobRef) (providers.PollStatus, error) {
	return providers.PollStatus{}, fmt.Errorf("genai: single-shot protocol has no poll endpoint")
}

// Materialize is a no-op pass-through; Submit already returns the final asset.
func (a *Adapter) Materialize(ctx context.Context, st providers.PollStatus) (*domain.TaskResult, error) {
	return nil, fmt.Errorf("genai: single-shot protocol has nothing to materialize")
}

// Cancel is unsupported; the single round trip either returns or times out.
func (a *Adapter) Cancel(ctx context.Context, ref providers.JobRef) error {
	return providers.ErrCancelUnsupported
}

func (a *Adapter) extractResult(ctx context.Context, taskType domain.TaskType, resp generateResponse) (*domain.TaskResult, error) {
	var text strings.Builder
	for _, candidate := range resp.Candidates {
		for _, p := range candidate.Content.Parts {
			switch {
			case p.InlineData != nil && p.InlineData.Data != "":
				mime := p.InlineData.MimeType
				if mime == "" {
					mime = refimage.SniffMime(p.InlineData.Data)
				}
				return &domain.TaskResult{Data: p.InlineData.Data, MimeType: mime}, nil
			case p.FileData != nil && p.FileData.FileURI != "":
				// Short-lived URL; materialize now, degrade to the URL alone.
				encoded, mime, err := a.images.Materialize(ctx, p.FileData.FileURI)
				if err != nil {
					a.logger.Warn().Err(err).Str("url", p.FileData.FileURI).
						Msg("genai: result download failed, keeping url")
					return &domain.TaskResult{URL: p.FileData.FileURI, MimeType: p.FileData.MimeType}, nil
				}
				return &domain.TaskResult{URL: p.FileData.FileURI, Data: encoded, MimeType: mime}, nil
			case p.Text != "":
				text.WriteString(p.Text)
			}
		}
	}
	if taskType == domain.TaskTypeChat && text.Len() > 0 {
		return &domain.TaskResult{Text: text.String()}, nil
	}
	return nil, fmt.Errorf("genai: response carried no usable content")
}

func (a *Adapter) invoke(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("x-goog-api-key", a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("invoke genai: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var detail apiError
		raw, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(raw))
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Error.Message != "" {
			msg = detail.Error.Message
		}
		return &retry.StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode genai response: %w", err)
	}
	return nil
}

var _ providers.Adapter = (*Adapter)(nil)
