package cache

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"
)

// Writer adapts a Cache into an io.Writer: every log line zerolog emits
// is queued rather than shipped synchronously, so a slow or unreachable
// log-shipper endpoint never blocks the logger a worker is writing
// through.
type Writer struct {
	cache *Cache
}

// NewWriter wraps cache as an io.Writer.
func NewWriter(cache *Cache) *Writer {
	return &Writer{cache: cache}
}

func (w *Writer) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	if line == "" {
		return len(p), nil
	}
	if err := w.cache.Enqueue(context.Background(), line); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Shipper periodically flushes queued lines to the configured
// log-shipper HTTP endpoint, acknowledging (deleting) only the lines
// the endpoint accepted.
type Shipper struct {
	cache    *Cache
	endpoint string
	http     *http.Client
}

// NewShipper builds a Shipper against endpoint, or a no-op shipper if
// endpoint is empty.
func NewShipper(cache *Cache, endpoint string) *Shipper {
	return &Shipper{cache: cache, endpoint: endpoint, http: &http.Client{Timeout: 10 * time.Second}}
}

// Run flushes the queue every interval until ctx is canceled.
func (s *Shipper) Run(ctx context.Context, interval time.Duration) {
	if s.endpoint == "" {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushOnce(ctx)
		}
	}
}

func (s *Shipper) flushOnce(ctx context.Context) {
	const batchSize = 200
	ids, lines, err := s.cache.Pending(ctx, batchSize)
	if err != nil || len(ids) == 0 {
		return
	}

	payload := []byte(strings.Join(lines, "\n"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := s.http.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_ = s.cache.Ack(ctx, ids)
	}
}
