package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskbridge/internal/config"
	"taskbridge/internal/models"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when the Notes API reports the task is gone.
var ErrNotFound = errors.New("notes: task not found")

// Client talks to the Notes product's REST API. Retries 429 and 5xx with
// exponential backoff, honoring Retry-After when present.
type Client struct {
	baseURL    string
	token      string
	databaseID string
	apiVersion string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *zerolog.Logger
}

func NewClient(cfg config.NotesConfig, logger *zerolog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		databaseID: cfg.DatabaseID,
		apiVersion: cfg.APIVersion,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   5 * time.Second,
		logger:     logger,
	}
}

type queryRequest struct {
	StartCursor string `json:"start_cursor,omitempty"`
	PageSize    int    `json:"page_size,omitempty"`
}

type queryResponse struct {
	Results    []pageObject `json:"results"`
	HasMore    bool         `json:"has_more"`
	NextCursor string       `json:"next_cursor"`
}

// ListTasks returns every task page in the configured database, following
// pagination cursors until the set is complete.
func (c *Client) ListTasks(ctx context.Context) ([]models.NotesTask, error) {
	var tasks []models.NotesTask
	cursor := ""
	for {
		body, err := c.do(ctx, http.MethodPost,
			fmt.Sprintf("/v1/databases/%s/query", c.databaseID),
			queryRequest{StartCursor: cursor, PageSize: 100})
		if err != nil {
			return nil, err
		}
		var resp queryResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode notes query response: %w", err)
		}
		for _, page := range resp.Results {
			tasks = append(tasks, page.toTask())
		}
		if !resp.HasMore || resp.NextCursor == "" {
			return tasks, nil
		}
		cursor = resp.NextCursor
	}
}

// GetTask fetches a single task page.
func (c *Client) GetTask(ctx context.Context, id string) (*models.NotesTask, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/pages/"+id, nil)
	if err != nil {
		return nil, err
	}
	var page pageObject
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode notes page: %w", err)
	}
	task := page.toTask()
	return &task, nil
}

// UpdateSchedulerMirror pushes the scheduler identifier and the mirrored
// Scheduler fields onto a Notes page. The write is a plain overwrite of the
// mirror block, so repeating it is harmless.
func (c *Client) UpdateSchedulerMirror(ctx context.Context, id string, schedulerID *string, fields models.SchedulerFields) error {
	_, err := c.do(ctx, http.MethodPatch, "/v1/pages/"+id, updateRequest{
		Properties: mirrorProperties(schedulerID, fields),
	})
	return err
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
	url := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Notes-Version", c.apiVersion)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
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
		if retryable(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, apiError("notes", resp.StatusCode, respBody)
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func apiError(provider string, status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		message = parsed.Message
	}
	if parsed.Code != "" {
		return fmt.Errorf("%s request failed: status=%d code=%s message=%s", provider, status, parsed.Code, message)
	}
	return fmt.Errorf("%s request failed: status=%d message=%s", provider, status, message)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
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
