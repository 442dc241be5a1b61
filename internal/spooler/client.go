// Package spooler предоставляет клиент для внешнего спулера печати.
package spooler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/akozyrev/printhub-system/internal/model"
)

// ErrRejected возвращается, когда спулер явно отклонил запрос:
// неверное задание, неизвестный принтер. Отказ окончательный,
// повторять запрос бессмысленно.
var ErrRejected = errors.New("request rejected by spooler")

// ErrUnknownJob возвращается, когда спулер не знает указанное задание.
var ErrUnknownJob = errors.New("unknown spooler job")

// Client инкапсулирует HTTP-взаимодействие со спулером печати.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт HTTP-клиент спулера с указанным адресом и таймаутом
// одного запроса. Сетевые сбои повторяются ограниченное число раз.
func NewClient(baseURL string, timeout time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = timeout

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

type submitRequest struct {
	FileToken   string `json:"file_token"`
	PrinterName string `json:"printer_name"`
	Sheets      int    `json:"sheets"`
	Options     string `json:"options,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// SubmitJob отправляет задание в спулер и возвращает внешний
// идентификатор задания.
func (c *Client) SubmitJob(ctx context.Context, job model.OutboxJob) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("spooler client not configured")
	}

	body, err := json.Marshal(submitRequest{
		FileToken:   job.FileToken,
		PrinterName: job.PrinterName,
		Sheets:      job.Sheets,
		Options:     job.Options,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/jobs"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.JobID == "" {
		return "", fmt.Errorf("spooler returned empty job id")
	}

	return result.JobID, nil
}

type stateResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

// QueryState запрашивает состояние задания по внешнему идентификатору.
func (c *Client) QueryState(ctx context.Context, externalID string) (model.JobState, error) {
	if c == nil || c.baseURL == "" {
		return 0, fmt.Errorf("spooler client not configured")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/jobs/"+externalID), nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, externalID)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}

	state, ok := model.ParseJobState(result.State)
	if !ok {
		return 0, fmt.Errorf("unknown job state %q", result.State)
	}

	return state, nil
}

// CancelJob отменяет задание в спулере. Отмена уже отсутствующего
// задания не считается ошибкой.
func (c *Client) CancelJob(ctx context.Context, externalID string) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("spooler client not configured")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, c.url("/api/jobs/"+externalID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
}
