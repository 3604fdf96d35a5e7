package dashscope

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"storyreel/internal/domain"
	"storyreel/internal/providers"
	"storyreel/internal/refimage"
)

const imageSynthesisPath = "/services/aigc/text2image/image-synthesis"

// ImageAdapter speaks the uniform create-then-poll image protocol: one
// submission shape for every model, one status endpoint keyed by task id.
type ImageAdapter struct {
	client *Client
	images *refimage.Normalizer
	logger zerolog.Logger
}

type imageCreateRequest struct {
	Model      string          `json:"model"`
	Input      imageInput      `json:"input"`
	Parameters imageParameters `json:"parameters"`
}

type imageInput struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
}

type imageParameters struct {
	Size string `json:"size,omitempty"`
	N    int    `json:"n,omitempty"`
}

// NewImageAdapter wires the shared client to the image synthesis endpoint.
func NewImageAdapter(client *Client, images *refimage.Normalizer, logger zerolog.Logger) *ImageAdapter {
	return &ImageAdapter{client: client, images: images, logger: logger}
}

func (a *ImageAdapter) Name() string { return "dashscope-image" }

// Submit creates the vendor task and returns its job reference.
func (a *ImageAdapter) Submit(ctx context.Context, task *domain.Task) (providers.Submission, error) {
	payload := imageCreateRequest{
		Model:      task.ModelID,
		Input:      imageInput{Prompt: task.Prompt},
		Parameters: imageParameters{Size: sizeForAspect(task.AspectRatio), N: 1},
	}
	if neg, ok := task.Params["negative_prompt"].(string); ok {
		payload.Input.NegativePrompt = neg
	}
	taskID, err := a.client.CreateTask(ctx, imageSynthesisPath, payload)
	if err != nil {
		return providers.Submission{}, err
	}
	return providers.Submission{Job: &providers.JobRef{ID: taskID}}, nil
}

// Poll maps the vendor status enum onto the uniform contract. Any status other
// than SUCCEEDED/FAILED counts as in progress.
func (a *ImageAdapter) Poll(ctx context.Context, ref providers.JobRef) (providers.PollStatus, error) {
	return pollState(ctx, a.client, ref)
}

// Materialize converts the result URL into durable inline bytes, degrading to
// the raw URL when the download fails.
func (a *ImageAdapter) Materialize(ctx context.Context, st providers.PollStatus) (*domain.TaskResult, error) {
	return materialize(ctx, a.images, a.logger, st, "image/png")
}

// Cancel issues the vendor's out-of-band cancel call.
func (a *ImageAdapter) Cancel(ctx context.Context, ref providers.JobRef) error {
	return a.client.CancelTask(ctx, ref.ID)
}

func sizeForAspect(aspect string) string {
	switch strings.TrimSpace(aspect) {
	case "16:9":
		return "1280*720"
	case "9:16":
		return "720*1280"
	case "4:3":
		return "1152*864"
	case "3:4":
		return "864*1152"
	default:
		return "1024*1024"
	}
}

func pollState(ctx context.Context, client *Client, ref providers.JobRef) (providers.PollStatus, error) {
	state, err := client.GetTask(ctx, ref.ID)
	if err != nil {
		return providers.PollStatus{}, err
	}
	switch {
	case state.Succeeded():
		return providers.PollStatus{Done: true, ResultURL: state.ResultURL}, nil
	case state.Failed():
		msg := state.Message
		if msg == "" {
			msg = fmt.Sprintf("provider task %s failed", ref.ID)
		}
		return providers.PollStatus{Done: true, Failed: true, Message: msg}, nil
	default:
		return providers.PollStatus{}, nil
	}
}

func materialize(ctx context.Context, images *refimage.Normalizer, logger zerolog.Logger, st providers.PollStatus, fallbackMime string) (*domain.TaskResult, error) {
	if st.ResultURL == "" {
		return nil, fmt.Errorf("dashscope: succeeded task carried no result url")
	}
	encoded, mime, err := images.Materialize(ctx, st.ResultURL)
	if err != nil {
		// A URL is still usable downstream even if less durable.
		logger.Warn().Err(err).Str("url", st.ResultURL).
			Msg("dashscope: result download failed, keeping url")
		return &domain.TaskResult{URL: st.ResultURL, MimeType: fallbackMime}, nil
	}
	return &domain.TaskResult{URL: st.ResultURL, Data: encoded, MimeType: mime}, nil
}

var _ providers.Adapter = (*ImageAdapter)(nil)
