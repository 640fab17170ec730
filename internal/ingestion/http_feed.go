package ingestion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrStatus is returned when an HTTP export answers with a non-2xx status.
var ErrStatus = errors.New("unexpected http status")

// HTTPFeed downloads a CSV export (for example a shared SQL dataclip) on
// every fetch.
type HTTPFeed struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPFeed creates a feed over the CSV document served at url. A zero
// timeout leaves the client without a deadline.
func NewHTTPFeed(name, url string, timeout time.Duration) *HTTPFeed {
	return &HTTPFeed{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFeed) Name() string { return f.name }

func (f *HTTPFeed) Fetch(ctx context.Context) ([]Record, error) {
	ctx, span := startFetchSpan(ctx, f.name, "http")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("requesting %s: %w", f.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%w: %s", ErrStatus, resp.Status)
		span.RecordError(err)
		return nil, err
	}

	records, err := decodeCSV(f.name, resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return records, nil
}
