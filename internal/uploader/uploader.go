package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"sungrow-telemetry/internal/spool"
	"sungrow-telemetry/internal/telemetry"
)

// Uploader drains the spool toward the ingest endpoint in batches. Rows are
// acked only after the server returns 200 with a well-formed body, so an
// interrupted upload is retried from the head of the queue on the next
// cycle. The base URL must be https; TLS verification is never disabled.
type Uploader struct {
	baseURL   string
	token     string
	batchSize int
	client    *http.Client
	spool     *spool.Spool
	log       *zap.Logger

	retry *backoff.ExponentialBackOff
	delay time.Duration
}

type ingestRequest struct {
	Samples []telemetry.Sample `json:"samples"`
}

type ingestResponse struct {
	Inserted int `json:"inserted"`
}

func New(baseURL, token string, batchSize int, timeout, maxBackoff time.Duration, sp *spool.Spool, log *zap.Logger) (*Uploader, error) {
	if !strings.HasPrefix(strings.ToLower(baseURL), "https://") {
		return nil, fmt.Errorf("server base URL must use https, got %q", baseURL)
	}
	u := newWithClient(baseURL, token, batchSize, maxBackoff, &http.Client{Timeout: timeout}, sp, log)
	return u, nil
}

func newWithClient(baseURL, token string, batchSize int, maxBackoff time.Duration, client *http.Client, sp *spool.Spool, log *zap.Logger) *Uploader {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.Multiplier = 2
	retry.RandomizationFactor = 0
	retry.MaxInterval = maxBackoff
	retry.MaxElapsedTime = 0
	retry.Reset()

	return &Uploader{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		batchSize: batchSize,
		client:    client,
		spool:     sp,
		log:       log,
		retry:     retry,
	}
}

// UploadOnce peeks one batch, posts it and acks on success. It returns the
// number of samples acked; 0 with a nil error means the spool was empty.
// No rows are ever dropped or reordered: on any failure the same head batch
// is retried by the next cycle.
func (u *Uploader) UploadOnce(ctx context.Context) (int, error) {
	items, err := u.spool.Peek(u.batchSize)
	if err != nil {
		return 0, u.fail(fmt.Errorf("failed to peek spool: %w", err))
	}
	if len(items) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(items))
	samples := make([]telemetry.Sample, len(items))
	for i, it := range items {
		ids[i] = it.ID
		samples[i] = it.Sample
	}

	body, err := json.Marshal(ingestRequest{Samples: samples})
	if err != nil {
		return 0, u.fail(fmt.Errorf("failed to encode batch: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/v1/ingest", bytes.NewReader(body))
	if err != nil {
		return 0, u.fail(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+u.token)

	resp, err := u.client.Do(req)
	if err != nil {
		return 0, u.fail(fmt.Errorf("upload failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		u.log.Warn("upload rejected",
			zap.Int("status", resp.StatusCode),
			zap.Int("samples", len(samples)),
			zap.Duration("backoff", u.delay))
		return 0, u.fail(fmt.Errorf("upload failed with status %d", resp.StatusCode))
	}

	var out ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, u.fail(fmt.Errorf("malformed ingest response: %w", err))
	}

	if err := u.spool.Ack(ids); err != nil {
		return 0, u.fail(fmt.Errorf("failed to ack uploaded samples: %w", err))
	}

	u.retry.Reset()
	u.delay = 0
	u.log.Info("uploaded batch",
		zap.Int("samples", len(samples)),
		zap.Int("inserted", out.Inserted))
	return len(samples), nil
}

func (u *Uploader) fail(err error) error {
	u.delay = u.retry.NextBackOff()
	return err
}

// Backoff returns how long the caller should wait before the next attempt.
// Zero after a success or before any failure.
func (u *Uploader) Backoff() time.Duration {
	return u.delay
}
