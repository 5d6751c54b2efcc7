// Package fetcher performs paced HTTP requests against tournament sources
// and maps their responses onto the resilience error taxonomy.
package fetcher

import (
	"context"
	"io"
	"net/http"
)

// Fetcher issues a single, rate-limited request per call. Retrying is the
// caller's decision.
type Fetcher interface {
	// Do sends req and returns the response when the status is 2xx.
	// Any other status is returned as a classified error and the body is closed.
	Do(ctx context.Context, req *http.Request) (*http.Response, error)

	// GetBody fetches rawURL and returns the full response body.
	GetBody(ctx context.Context, rawURL string, header http.Header) ([]byte, error)

	// GetJSON fetches rawURL and decodes the JSON body into out.
	GetJSON(ctx context.Context, rawURL string, header http.Header, out any) error

	// PostJSON sends body as JSON and decodes the JSON response into out
	// (skipped when out is nil).
	PostJSON(ctx context.Context, rawURL string, header http.Header, body any, out any) error

	// Stream fetches rawURL and hands back the open body for streaming decode.
	Stream(ctx context.Context, rawURL string, header http.Header) (io.ReadCloser, error)
}
