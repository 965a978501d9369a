package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentcal/internal/registry"
)

const icsFixture = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Test//Busy Calendar//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:1418fb94b68d-abc123@test\r\n" +
	"DTSTAMP:20250701T000000Z\r\n" +
	"DTSTART;VALUE=DATE:20250710\r\n" +
	"DTEND;VALUE=DATE:20250713\r\n" +
	"SUMMARY:Reserved\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func icsServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func expandAll() ExpandRange {
	return DefaultExpandRange(time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC))
}

func TestFetchAllIsolatesEndpointFailures(t *testing.T) {
	good := icsServer(t, http.StatusOK, icsFixture)
	bad := icsServer(t, http.StatusServiceUnavailable, "")

	props := []registry.Property{
		{
			ID: "gree",
			Feeds: []registry.FeedEndpoint{
				{URL: bad.URL, Source: registry.SourceBooking},
				{URL: good.URL, Source: registry.SourceBooking},
			},
		},
	}

	f := NewFetcher(0, time.Millisecond)
	res := f.FetchAll(context.Background(), props, expandAll())

	// One good endpoint suppresses the failure flag.
	assert.Empty(t, res.Unavailable)
	require.Len(t, res.Intervals, 1)
	assert.Equal(t, "gree", res.Intervals[0].PropertyID)
}

func TestFetchAllFlagsFullyFailedProperty(t *testing.T) {
	good := icsServer(t, http.StatusOK, icsFixture)
	down := icsServer(t, http.StatusServiceUnavailable, "")

	props := []registry.Property{
		{
			ID: "gree",
			Feeds: []registry.FeedEndpoint{
				{URL: down.URL, Source: registry.SourceAirbnb},
				{URL: down.URL, Source: registry.SourceBooking},
				{URL: down.URL, Source: registry.SourceAbritel},
			},
		},
		{
			ID: "hortensias",
			Feeds: []registry.FeedEndpoint{
				{URL: good.URL, Source: registry.SourceBooking},
			},
		},
	}

	f := NewFetcher(0, time.Millisecond)
	res := f.FetchAll(context.Background(), props, expandAll())

	assert.Equal(t, []string{"gree"}, res.Unavailable)

	// The sibling property is unaffected.
	require.Len(t, res.Intervals, 1)
	assert.Equal(t, "hortensias", res.Intervals[0].PropertyID)
}

func TestFetchAllUnparsableBodyIsEndpointFailure(t *testing.T) {
	garbage := icsServer(t, http.StatusOK, "<html>definitely not a calendar</html>")

	props := []registry.Property{
		{ID: "gree", Feeds: []registry.FeedEndpoint{{URL: garbage.URL, Source: registry.SourceBooking}}},
	}

	f := NewFetcher(0, time.Millisecond)
	res := f.FetchAll(context.Background(), props, expandAll())

	assert.Equal(t, []string{"gree"}, res.Unavailable)
	assert.Empty(t, res.Intervals)
}

func TestAirbnbEndpointsShareOneThrottle(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		_, _ = w.Write([]byte(icsFixture))
	}))
	t.Cleanup(srv.Close)

	// Two airbnb endpoints on different properties still share the
	// account-level spacing.
	props := []registry.Property{
		{ID: "gree", Feeds: []registry.FeedEndpoint{{URL: srv.URL, Source: registry.SourceAirbnb}}},
		{ID: "hortensias", Feeds: []registry.FeedEndpoint{{URL: srv.URL, Source: registry.SourceAirbnb}}},
	}

	const spacing = 200 * time.Millisecond
	f := NewFetcher(0, spacing)
	res := f.FetchAll(context.Background(), props, expandAll())

	assert.Empty(t, res.Unavailable)
	require.Len(t, times, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), spacing/2)
}

func TestFetchSendsFixedUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(icsFixture))
	}))
	t.Cleanup(srv.Close)

	props := []registry.Property{
		{ID: "gree", Feeds: []registry.FeedEndpoint{{URL: srv.URL, Source: registry.SourceBooking}}},
	}

	f := NewFetcher(0, time.Millisecond)
	f.FetchAll(context.Background(), props, expandAll())

	assert.Equal(t, fixedUserAgent, gotUA)
}
