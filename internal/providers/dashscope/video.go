package dashscope

import (
	"context"

	"strings"

	"github.com/rs/zerolog"

	"storyreel/internal/domain"
	"storyreel/internal/providers"
	"storyreel/internal/refimage"
)

const videoSynthesisPath = "/services/aigc/video-generation/video-synthesis"

// VideoAdapter shares the create-then-poll shape with the image adapter, but
// the submission payload's image fields are named per sub-model: a single
// source image for image-to-video variants, paired first/last frames for
// keyframe interpolation.
type VideoAdapter struct {
	client *Client
	images *refimage.Normalizer
	logger zerolog.Logger
}

// videoModelSpec declares a sub-model family's field naming and whether the
// caller may override the clip duration.
type videoModelSpec struct {
	Keyframe      bool
	FixedDuration int // seconds; 0 means caller-supplied
}

// resolveVideoModel is the single place model identity is inspected. Everything
// downstream works off the resolved spec.
func resolveVideoModel(modelID string) videoModelSpec {
	id := strings.ToLower(modelID)
	switch {
	case strings.Contains(id, "kf2v"), strings.Contains(id, "flf2v"):
		return videoModelSpec{Keyframe: true, FixedDuration: 5}
	case strings.Contains(id, "t2v"):
		return videoModelSpec{}
	default: // image-to-video
		return videoModelSpec{}
	}
}

type videoCreateRequest struct {
	Model      string          `json:"model"`
	Input      videoInput      `json:"input"`
	Parameters videoParameters `json:"parameters"`
}

type videoInput struct {
	Prompt        string `json:"prompt"`
	ImgURL        string `json:"img_url,omitempty"`
	FirstFrameURL string `json:"first_frame_url,omitempty"`
	LastFrameURL  string `json:"last_frame_url,omitempty"`
}

type videoParameters struct {
	Duration   int    `json:"duration,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// NewVideoAdapter wires the shared client to the video synthesis endpoint.
func NewVideoAdapter(client *Client, images *refimage.Normalizer, logger zerolog.Logger) *VideoAdapter {
	return &VideoAdapter{client: client, images: images, logger: logger}
}

func (a *VideoAdapter) Name() string { return "dashscope-video" }

// Submit builds the sub-model-specific payload and creates the vendor task.
// Image inputs must be provider-addressable URLs; inline images resolve
// through the materialization cache and are omitted on a miss.
func (a *VideoAdapter) Submit(ctx context.Context, task *domain.Task) (providers.Submission, error) {
	spec := resolveVideoModel(task.ModelID)
	payload := videoCreateRequest{
		Model: task.ModelID,
		Input: videoInput{Prompt: task.Prompt},
	}

	if spec.Keyframe {
		if u, ok := a.images.URLFor(ctx, task.StartImage); ok {
			payload.Input.FirstFrameURL = u
		}
		if u, ok := a.images.URLFor(ctx, task.EndImage); ok {
			payload.Input.LastFrameURL = u
		}
	} else {
		source := task.StartImage
		if source == "" && len(task.ReferenceImages) > 0 {
			source = task.ReferenceImages[0]
		}
		if u, ok := a.images.URLFor(ctx, source); ok {
			payload.Input.ImgURL = u
		}
	}

	if spec.FixedDuration > 0 {
		payload.Parameters.Duration = spec.FixedDuration
	} else if task.Duration > 0 {
		payload.Parameters.Duration = task.Duration
	}

	taskID, err := a.client.CreateTask(ctx, videoSynthesisPath, payload)
	if err != nil {
		return providers.Submission{}, err
	}
	return providers.Submission{Job: &providers.JobRef{ID: taskID}}, nil
}

// Poll maps the vendor status enum onto the uniform contract.
func (a *VideoAdapter) Poll(ctx context.Context, ref providers.JobRef) (providers.PollStatus, error) {
	return pollState(ctx, a.client, ref)
}

// Materialize converts the result URL into durable inline bytes, degrading to
// the raw URL when the download fails.
func (a *VideoAdapter) Materialize(ctx context.Context, st providers.PollStatus) (*domain.TaskResult, error) {
	return materialize(ctx, a.images, a.logger, st, "video/mp4")
}

// Cancel issues the vendor's out-of-band cancel call.
func (a *VideoAdapter) Cancel(ctx context.Context, ref providers.JobRef) error {
	return a.client.CancelTask(ctx, ref.ID)
}

var _ providers.Adapter = (*VideoAdapter)(nil)
