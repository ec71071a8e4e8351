package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"taskmaster/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type httpTaskExecutor struct {
	url    string
	client *http.Client
	tracer trace.Tracer
}

// NewHttpTaskExecutor creates an executor that POSTs each task to url as
// JSON and treats any non-2xx answer as failure.
func NewHttpTaskExecutor(url string, timeout time.Duration) domain.TaskExecutor {
	return &httpTaskExecutor{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
		tracer: otel.Tracer("taskmaster-http-executor"),
	}
}

// Execute performs a single HTTP request for the task.
func (e *httpTaskExecutor) Execute(ctx context.Context, task *domain.Task) (string, error) {
	ctx, span := e.tracer.Start(ctx, "executor.http.Execute",
		trace.WithAttributes(attribute.String("task.id", task.ID), attribute.String("http.url", e.url)))
	defer span.End()

	body, err := domain.TaskMessage{TaskID: task.ID, Message: task.Message}.Encode()
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http request failed")
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read a small portion of the body for output logging.
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, "server error")
		return string(bodyBytes), fmt.Errorf("http request returned 5xx server error: %s", resp.Status)
	}
	if resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, "unexpected status")
		return string(bodyBytes), fmt.Errorf("http request returned non-2xx status: %s", resp.Status)
	}

	return string(bodyBytes), nil
}
