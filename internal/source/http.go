package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/neuroslice/server/internal/store"
	"github.com/neuroslice/server/internal/volume"
)

// DefaultMaxBytes caps a single download.
const DefaultMaxBytes = 512 << 20

// HTTPSource fetches the background from a fixed URL and overlays from a
// base URL parameterised by the query and generation parameters.
type HTTPSource struct {
	BackgroundURL string
	OverlayURL    string
	MaxBytes      int64
	Client        *http.Client
}

// NewHTTPSource creates an HTTP source with the given per-request timeout.
func NewHTTPSource(backgroundURL, overlayURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPSource{
		BackgroundURL: backgroundURL,
		OverlayURL:    overlayURL,
		MaxBytes:      DefaultMaxBytes,
		Client:        &http.Client{Timeout: timeout},
	}
}

// URL returns the location req is fetched from.
func (s *HTTPSource) URL(req Request) (string, error) {
	if req.Slot == store.Background {
		if s.BackgroundURL == "" {
			return "", fmt.Errorf("no background URL configured")
		}
		return s.BackgroundURL, nil
	}
	if s.OverlayURL == "" {
		return "", fmt.Errorf("no overlay URL configured")
	}
	u, err := url.Parse(s.OverlayURL)
	if err != nil {
		return "", fmt.Errorf("invalid overlay URL: %w", err)
	}
	q := u.Query()
	for k, vs := range req.Params.Values() {
		q[k] = vs
	}
	q.Set("q", req.Query)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Fetch downloads the volume bytes.
func (s *HTTPSource) Fetch(ctx context.Context, req Request) ([]byte, error) {
	target, err := s.URL(req)
	if err != nil {
		return nil, &volume.IOError{Source: describe(req), Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &volume.IOError{Source: target, Err: err}
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &volume.IOError{Source: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &volume.IOError{Source: target, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	limit := s.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &volume.IOError{Source: target, Err: err}
	}
	if int64(len(data)) > limit {
		return nil, &volume.IOError{Source: target, Err: fmt.Errorf("response exceeds %d bytes", limit)}
	}
	return data, nil
}
