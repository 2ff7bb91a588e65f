package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskbridge/internal/config"
	"taskbridge/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrNotFound is the not-found taxonomy class: the Scheduler does not know
// the identifier. Callers must treat it as a phantom signal, never as a
// generic failure.
var ErrNotFound = errors.New("scheduler: task not found")

// Client talks to the Scheduler product's REST API. Every request passes a
// shared rate limiter because the provider throttles aggressively.
type Client struct {
	baseURL     string
	apiKey      string
	workspaceID string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	logger      *zerolog.Logger
}

func NewClient(cfg config.SchedulerConfig, logger *zerolog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		workspaceID: cfg.WorkspaceID,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerS), cfg.Burst),
		maxRetries:  maxRetries,
		logger:      logger,
	}
}

// taskObject is the wire shape of a Scheduler task.
type taskObject struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	Priority        int        `json:"priority"`
	DueDate         *time.Time `json:"due_date"`
	DurationMinutes int        `json:"duration_minutes"`
	ScheduledStart  *time.Time `json:"scheduled_start"`
	ScheduledEnd    *time.Time `json:"scheduled_end"`
	Completed       bool       `json:"completed"`
	CompletedAt     *time.Time `json:"completed_at"`
	DeadlineType    string     `json:"deadline_type"`
}

type listResponse struct {
	Tasks  []taskObject `json:"tasks"`
	Cursor string       `json:"cursor"`
}

// ListTasks returns the complete task set, transparently following
// pagination cursors.
func (c *Client) ListTasks(ctx context.Context) ([]models.SchedulerTask, error) {
	var tasks []models.SchedulerTask
	cursor := ""
	for {
		path := "/v1/tasks?workspace=" + url.QueryEscape(c.workspaceID)
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		body, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		var resp listResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode scheduler list response: %w", err)
		}
		for _, t := range resp.Tasks {
			tasks = append(tasks, t.toTask())
		}
		if resp.Cursor == "" {
			return tasks, nil
		}
		cursor = resp.Cursor
	}
}

// GetTask fetches one task; phantom or deleted ids come back as
// ErrNotFound.
func (c *Client) GetTask(ctx context.Context, id string) (*models.SchedulerTask, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/tasks/"+id, nil)
	if err != nil {
		return nil, err
	}
	return decodeTask(body)
}

func (c *Client) CreateTask(ctx context.Context, task models.SchedulerTask) (*models.SchedulerTask, error) {
	body, err := c.do(ctx, http.MethodPost, "/v1/tasks", fromTask(task))
	if err != nil {
		return nil, err
	}
	return decodeTask(body)
}

func (c *Client) UpdateTask(ctx context.Context, id string, task models.SchedulerTask) (*models.SchedulerTask, error) {
	body, err := c.do(ctx, http.MethodPatch, "/v1/tasks/"+id, fromTask(task))
	if err != nil {
		return nil, err
	}
	return decodeTask(body)
}

// DeleteTask removes a task. A not-found answer is folded into success:
// the desired end state (task absent) already holds.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/tasks/"+id, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func decodeTask(body []byte) (*models.SchedulerTask, error) {
	var obj taskObject
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decode scheduler task: %w", err)
	}
	task := obj.toTask()
	return &task, nil
}

func (t taskObject) toTask() models.SchedulerTask {
	return models.SchedulerTask{
		ID:              t.ID,
		Name:            t.Name,
		Status:          t.Status,
		Priority:        t.Priority,
		DueDate:         t.DueDate,
		DurationMinutes: t.DurationMinutes,
		ScheduledStart:  t.ScheduledStart,
		ScheduledEnd:    t.ScheduledEnd,
		Completed:       t.Completed,
		CompletedAt:     t.CompletedAt,
		DeadlineType:    t.DeadlineType,
	}
}

func fromTask(task models.SchedulerTask) taskObject {
	return taskObject{
		ID:              task.ID,
		Name:            task.Name,
		Status:          task.Status,
		Priority:        task.Priority,
		DueDate:         task.DueDate,
		DurationMinutes: task.DurationMinutes,
		Completed:       task.Completed,
		DeadlineType:    task.DeadlineType,
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	fullURL := c.baseURL + path

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Timeouts and transport errors are transient; the cool-down
			// window drives the next attempt, not this loop.
			if attempt < c.maxRetries {
				continue
			}
			return nil, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, nil
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitRetry(ctx, resp.Header.Get("Retry-After"), attempt+1); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, schedulerError(resp.StatusCode, respBody)
	}
}

func schedulerError(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		message = parsed.Error
	}
	return fmt.Errorf("scheduler request failed: status=%d message=%s", status, message)
}

func waitRetry(ctx context.Context, retryAfterHeader string, attempt int) error {
	delay := 500 * time.Millisecond * time.Duration(1<<(attempt-1))
	if delay > 10*time.Second {
		delay = 10 * time.Second
	}
	if header := strings.TrimSpace(retryAfterHeader); header != "" {
		if secs, err := time.ParseDuration(header + "s"); err == nil && secs > 0 {
			delay = secs
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
