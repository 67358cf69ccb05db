package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Config holds the enrichment service endpoint configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client calls the external enrichment service after a successful
// transcription. Any error from it makes the supervisor roll the
// transcript back and finish the job as FAILED_UNKNOWN.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates an enrichment client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type enrichRequest struct {
	JobID           string  `json:"job_id"`
	TranscriptPath  string  `json:"transcript_path"`
	DurationSeconds float64 `json:"duration_seconds"`
	SampleRate      int     `json:"sample_rate"`
}

// Enrich posts the finished transcript's metadata and returns an error
// on any non-2xx response.
func (c *Client) Enrich(ctx context.Context, jobID, transcriptPath string, duration time.Duration, sampleRate int) error {
	body, err := json.Marshal(enrichRequest{
		JobID:           jobID,
		TranscriptPath:  transcriptPath,
		DurationSeconds: duration.Seconds(),
		SampleRate:      sampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal enrich request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/enrich", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build enrich request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("enrich request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("enrich service returned %d: %s", resp.StatusCode, string(detail))
	}

	c.logger.Debug("Transcript enriched",
		slog.String("job_id", jobID),
	)
	return nil
}
