package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"github.com/wolfeidau/exiftip/telemetry"
)

const (
	// DefaultTimeout bounds one metadata request.
	DefaultTimeout = 10 * time.Second

	// MaxBodySize caps a metadata response body.
	MaxBodySize = 1 << 20
)

// Upstream fetches metadata documents from the metadata endpoint.
type Upstream struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithBaseURL resolves relative metadata URLs (such as "/images/a.jpg.json")
// against base.
func WithBaseURL(base string) UpstreamOption {
	return func(u *Upstream) {
		if parsed, err := url.Parse(strings.TrimSpace(base)); err == nil && parsed.Scheme != "" {
			u.base = parsed
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// WithTimeout bounds each request made with the default client.
func WithTimeout(d time.Duration) UpstreamOption {
	return func(u *Upstream) {
		u.timeout = d
	}
}

// NewUpstream creates a metadata client. The default client records fetch
// metrics under the "metadata" source.
func NewUpstream(opts ...UpstreamOption) *Upstream {
	u := &Upstream{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(u)
	}
	if u.client == nil {
		u.client = &http.Client{
			Timeout:   u.timeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "metadata"),
		}
	}
	return u
}

// URL resolves raw against the configured base.
func (u *Upstream) URL(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", perrors.Wrap(err, perrors.CodeInvalidInput, "parsing metadata url")
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if u.base == nil {
		return "", perrors.Newf(perrors.CodeInvalidInput, "relative metadata url %q without a base url", raw)
	}
	return u.base.ResolveReference(ref).String(), nil
}

// Fetch returns the body of a 2xx response for raw.
// Transport failures carry CodeNetwork (CodeTimeout on deadline).
func (u *Upstream) Fetch(ctx context.Context, raw string) ([]byte, error) {
	target, err := u.URL(raw)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeInvalidInput, "creating request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, perrors.Wrap(err, perrors.CodeTimeout, "performing request")
		}
		return nil, perrors.Wrap(err, perrors.CodeNetwork, "performing request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxBodySize))
		return nil, perrors.WithContext(
			perrors.New(perrors.CodeNetwork, fmt.Sprintf("metadata endpoint returned %d", resp.StatusCode)),
			"status", resp.StatusCode,
		)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeNetwork, "reading body")
	}
	if len(body) > MaxBodySize {
		return nil, perrors.New(perrors.CodeSchemaFailed, "metadata body exceeds maximum size")
	}
	return body, nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
