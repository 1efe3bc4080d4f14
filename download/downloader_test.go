package download

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/exiftip"
)

const record = `{"FNumber":"28/10","ISOSpeedRatings":"200"}`

// gatedFetch counts calls and blocks each one until release is closed.
type gatedFetch struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	body    []byte
	err     error
}

func newGatedFetch(body string, err error) *gatedFetch {
	return &gatedFetch{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
		body:    []byte(body),
		err:     err,
	}
}

func (g *gatedFetch) fn(ctx context.Context) (*Result, error) {
	g.calls.Add(1)
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if g.err != nil {
		return nil, g.err
	}
	return NewResult(g.body), nil
}

func TestNewResult(t *testing.T) {
	res := NewResult([]byte(record))
	require.EqualValues(t, len(record), res.Size)
	require.Equal(t, exiftip.Sum([]byte(record)), res.Checksum)
}

func TestPreloadAndRevealShareOneFetch(t *testing.T) {
	d := New()
	fetch := newGatedFetch(record, nil)
	key := "https://meta.example/photos/a.json"

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	shared := make([]bool, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], shared[i], errs[i] = d.Do(context.Background(), key, fetch.fn)
		}()
	}

	<-fetch.started
	// Give the other callers time to join the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(fetch.release)
	wg.Wait()

	require.EqualValues(t, 1, fetch.calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, record, string(results[i].Body))
		require.True(t, shared[i])
	}
}

func TestDistinctKeysFetchSeparately(t *testing.T) {
	d := New()
	fetch := newGatedFetch(record, nil)
	close(fetch.release)

	for _, key := range []string{"/img/a.jpg", "/img/b.jpg", "/img/c.jpg"} {
		res, shared, err := d.Do(context.Background(), key, fetch.fn)
		require.NoError(t, err)
		require.False(t, shared)
		require.NotNil(t, res)
	}
	require.EqualValues(t, 3, fetch.calls.Load())
}

func TestCallerDeadlineLeavesFetchRunning(t *testing.T) {
	d := New()
	fetch := newGatedFetch(record, nil)
	key := "/img/slow.jpg"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := d.Do(ctx, key, fetch.fn)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// A patient caller joins the fetch the impatient one started.
	done := make(chan *Result, 1)
	go func() {
		res, _, _ := d.Do(context.Background(), key, fetch.fn)
		done <- res
	}()
	<-fetch.started
	time.Sleep(20 * time.Millisecond)
	close(fetch.release)

	select {
	case res := <-done:
		require.NotNil(t, res)
		require.Equal(t, record, string(res.Body))
	case <-time.After(time.Second):
		t.Fatal("joined fetch never completed")
	}
	require.EqualValues(t, 1, fetch.calls.Load())
}

func TestFetchErrorReachesEveryWaiter(t *testing.T) {
	d := New()
	failure := errors.New("metadata endpoint returned 503")
	fetch := newGatedFetch("", failure)

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, _, err := d.Do(context.Background(), "/img/down.jpg", fetch.fn)
			errs <- err
		}()
	}
	<-fetch.started
	time.Sleep(20 * time.Millisecond)
	close(fetch.release)

	for range 2 {
		require.ErrorIs(t, <-errs, failure)
	}
}

func TestForgetOnError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		forget bool
	}{
		{name: "nil", err: nil, forget: false},
		{name: "canceled", err: context.Canceled, forget: false},
		{name: "deadline", err: context.DeadlineExceeded, forget: false},
		{name: "endpoint failure", err: errors.New("connection refused"), forget: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New()
			fetch := newGatedFetch(record, nil)
			key := "/img/retry.jpg"

			// Park a fetch so the key is in flight.
			go func() { _, _, _ = d.Do(context.Background(), key, fetch.fn) }()
			<-fetch.started

			d.ForgetOnError(key, tt.err)

			// A forgotten key starts a second fetch; a kept key joins the first.
			second := make(chan struct{})
			go func() {
				_, _, _ = d.Do(context.Background(), key, fetch.fn)
				close(second)
			}()
			if tt.forget {
				<-fetch.started
				require.EqualValues(t, 2, fetch.calls.Load())
			} else {
				time.Sleep(20 * time.Millisecond)
				require.EqualValues(t, 1, fetch.calls.Load())
			}
			close(fetch.release)
			<-second
		})
	}
}
