// Package dashscope implements the create-then-poll protocol families: a
// submission returns a vendor task id, and a uniform status endpoint is polled
// until the job reaches SUCCEEDED or FAILED.
package dashscope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"storyreel/internal/retry"
)

const (
	statusSucceeded = "SUCCEEDED"
	statusFailed    = "FAILED"
)

// Options configures the shared DashScope HTTP client.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Retry      retry.Options
}

// Client performs the create/poll/cancel calls shared by every DashScope-style
// adapter.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	retry      retry.Options
}

// TaskState is the normalized answer of one status check.
type TaskState struct {
	Status    string
	ResultURL string
	Message   string
	Code      string
}

// Succeeded reports a terminal successful state.
func (s TaskState) Succeeded() bool { return s.Status == statusSucceeded }

// Failed reports a terminal failed state; anything else is in progress.
func (s TaskState) Failed() bool { return s.Status == statusFailed }

type createResponse struct {
	Output struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
	} `json:"output"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type pollResponse struct {
	Output struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		VideoURL   string `json:"video_url"`
		Results    []struct {
			URL     string `json:"url"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"results"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"output"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// NewClient constructs a client with sane defaults.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 45 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://dashscope-intl.aliyuncs.com/api/v1"
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     opts.Logger,
		retry:      opts.Retry,
	}
}

// CreateTask submits an async generation job and returns the vendor task id.
func (c *Client) CreateTask(ctx context.Context, path string, payload any) (string, error) {
	var decoded createResponse
	err := retry.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, path, payload, true, &decoded)
	}, c.retry)
	if err != nil {
		return "", err
	}
	if decoded.Code != "" {
		return "", fmt.Errorf("dashscope: %s (%s)", decoded.Message, decoded.Code)
	}
	taskID := strings.TrimSpace(decoded.Output.TaskID)
	if taskID == "" {
		return "", fmt.Errorf("dashscope: submission returned no task id")
	}
	c.logger.Debug().
		Str("provider_task_id", taskID).
		Str("request_id", decoded.RequestID).
		Msg("dashscope: task created")
	return taskID, nil
}

// GetTask fetches the current state of a vendor task. Transient transport
// errors are absorbed by the retry budget; a budget-exhausting failure
// propagates to the runner.
func (c *Client) GetTask(ctx context.Context, taskID string) (TaskState, error) {
	var decoded pollResponse
	err := retry.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "/tasks/"+taskID, nil, false, &decoded)
	}, c.retry)
	if err != nil {
		return TaskState{}, err
	}
	state := TaskState{
		Status:  decoded.Output.TaskStatus,
		Message: decoded.Output.Message,
		Code:    decoded.Output.Code,
	}
	if state.Message == "" {
		state.Message = decoded.Message
	}
	if decoded.Output.VideoURL != "" {
		state.ResultURL = decoded.Output.VideoURL
	} else {
		for _, r := range decoded.Output.Results {
			if r.URL != "" {
				state.ResultURL = r.URL
				break
			}
			if r.Message != "" && state.Message == "" {
				state.Message = r.Message
			}
		}
	}
	return state, nil
}

// CancelTask asks the vendor to stop a running task. Best effort only.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/cancel", nil, false, &struct{}{})
}

func (c *Client) do(ctx context.Context, method, path string, payload any, async bool, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("dashscope: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("dashscope: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if async {
		req.Header.Set("X-DashScope-Async", "enable")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dashscope: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("dashscope: read response: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg := strings.TrimSpace(string(raw))
		var detail struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
			msg = fmt.Sprintf("%s (%s)", detail.Message, detail.Code)
		}
		return &retry.StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("dashscope: decode response: %w", err)
	}
	return nil
}
