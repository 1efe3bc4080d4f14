package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

const metadataDoc = `{"FNumber":"28/10","ExposureTime":"1/250","ISOSpeedRatings":"200"}`

func TestInstrumentedTransportOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		outcome string
	}{
		{name: "record", status: http.StatusOK, body: metadataDoc, outcome: "success"},
		{name: "missing image", status: http.StatusNotFound, body: "not found", outcome: "4xx"},
		{name: "endpoint down", status: http.StatusServiceUnavailable, body: "busy", outcome: "5xx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := setupTestMetrics(t)

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			client := &http.Client{Transport: NewInstrumentedTransport(nil, "metadata")}
			resp, err := client.Get(srv.URL + "/photos/a.json")
			require.NoError(t, err)
			got, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, tt.body, string(got))

			// Nothing is recorded until the body is closed.
			require.Empty(t, findCounter(collectMetrics(t, reader), "exiftip_upstream_fetch_total"))
			require.NoError(t, resp.Body.Close())

			rm := collectMetrics(t, reader)
			dps := findCounter(rm, "exiftip_upstream_fetch_total")
			require.Len(t, dps, 1)
			require.EqualValues(t, 1, dps[0].Value)
			require.True(t, hasAttr(dps[0].Attributes, "source", "metadata"))
			require.True(t, hasAttr(dps[0].Attributes, "outcome", tt.outcome))

			bytesDps := findCounter(rm, "exiftip_upstream_fetch_bytes_total")
			require.Len(t, bytesDps, 1)
			require.EqualValues(t, len(tt.body), bytesDps[0].Value)

			hist := findHistogram(rm, "exiftip_upstream_fetch_duration_seconds")
			require.Len(t, hist, 1)
			require.EqualValues(t, 1, hist[0].Count)
		})
	}
}

func TestInstrumentedTransportFailures(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		reader := setupTestMetrics(t)

		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		client := &http.Client{Transport: NewInstrumentedTransport(nil, "metadata")}
		_, err := client.Get(url) //nolint:bodyclose
		require.Error(t, err)

		dps := findCounter(collectMetrics(t, reader), "exiftip_upstream_fetch_total")
		require.Len(t, dps, 1)
		require.True(t, hasAttr(dps[0].Attributes, "outcome", "error"))
	})

	t.Run("canceled", func(t *testing.T) {
		reader := setupTestMetrics(t)

		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
		require.NoError(t, err)

		_, err = NewInstrumentedTransport(nil, "metadata").RoundTrip(req) //nolint:bodyclose
		require.Error(t, err)

		dps := findCounter(collectMetrics(t, reader), "exiftip_upstream_fetch_total")
		require.Len(t, dps, 1)
		require.True(t, hasAttr(dps[0].Attributes, "outcome", "canceled"))
	})
}

func TestInstrumentedTransportRecordsOncePerBody(t *testing.T) {
	reader := setupTestMetrics(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "metadata")}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	_ = resp.Body.Close()

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "exiftip_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	// An empty body adds no byte samples.
	require.Empty(t, findCounter(rm, "exiftip_upstream_fetch_bytes_total"))
}

func TestInstrumentedTransportWithoutMetrics(t *testing.T) {
	globalMetrics = nil

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, metadataDoc)
	}))
	defer srv.Close()

	base := &http.Transport{}
	tr := NewInstrumentedTransport(base, "metadata")
	require.Same(t, base, tr.base)
	require.Equal(t, http.DefaultTransport, NewInstrumentedTransport(nil, "metadata").base)

	resp, err := (&http.Client{Transport: tr}).Get(srv.URL)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, resp.Body.Close())
}

var _ http.RoundTripper = (*InstrumentedTransport)(nil)
