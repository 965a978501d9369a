package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	appLog "rentcal/internal/log"
	"rentcal/internal/registry"
)

const (
	// fixedUserAgent is deliberately constant: Airbnb varies its ICS
	// responses by client fingerprint, and changing the UA mid-season has
	// broken exports before. Do not randomize.
	fixedUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"

	// airbnbMinSpacing is the minimum gap between consecutive requests to
	// airbnb-tagged endpoints across the whole batch. The limit belongs
	// to the account, not the URL, so the limiter is shared.
	airbnbMinSpacing = 3 * time.Second

	defaultFetchTimeout = 20 * time.Second
)

// Fetcher fetches all registered feed endpoints for a batch of
// properties, isolating per-endpoint failures.
type Fetcher struct {
	client        *http.Client
	airbnbLimiter *rate.Limiter
}

// NewFetcher creates a Fetcher. Zero values select the defaults; tests
// pass a short spacing to keep the throttle observable without waiting.
func NewFetcher(timeout, airbnbSpacing time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if airbnbSpacing <= 0 {
		airbnbSpacing = airbnbMinSpacing
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		airbnbLimiter: rate.NewLimiter(rate.Every(airbnbSpacing), 1),
	}
}

// BatchResult is the outcome of one full fetch cycle.
type BatchResult struct {
	// Intervals are all successfully parsed busy spans, across all
	// properties, before normalization.
	Intervals []Interval

	// Unavailable lists property ids for which not a single endpoint
	// succeeded. Partial data beats no data: one good endpoint clears
	// the flag.
	Unavailable []string
}

// FetchAll fetches every endpoint of every property. Endpoint failures
// (network error, non-2xx, unparsable body) are recorded and logged but
// never abort the batch. ICS events are expanded within expand before
// being returned.
func (f *Fetcher) FetchAll(ctx context.Context, props []registry.Property, expand ExpandRange) BatchResult {
	var out BatchResult

	for _, prop := range props {
		succeeded := 0
		for _, ep := range prop.Feeds {
			ivs, err := f.fetchEndpoint(ctx, prop.ID, ep, expand)
			if err != nil {
				appLog.Error("feed fetch failed", err, "property", prop.ID, "source", ep.Source, "url", redactURL(ep.URL))
				continue
			}
			succeeded++
			out.Intervals = append(out.Intervals, ivs...)
		}
		if succeeded == 0 {
			out.Unavailable = append(out.Unavailable, prop.ID)
		}
	}

	return out
}

// fetchEndpoint fetches and parses a single endpoint. A nil error means
// the endpoint counts as succeeded for the failure-set rule, even when
// the calendar is empty.
func (f *Fetcher) fetchEndpoint(ctx context.Context, propertyID string, ep registry.FeedEndpoint, expand ExpandRange) ([]Interval, error) {
	if ep.URL == "" {
		return nil, errors.New("endpoint URL is empty")
	}

	if ep.Source == registry.SourceAirbnb {
		// Global spacing across the batch, see airbnbMinSpacing.
		if err := f.airbnbLimiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", fixedUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Surface an advertised retry delay for observability; honoring
		// it belongs to the next cycle, not this one.
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			appLog.Warn("feed endpoint advertised retry delay", "property", propertyID, "source", ep.Source, "retry_after", ra, "status", resp.StatusCode)
		}
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	ivs, err := ParseFeed(propertyID, ep, body, expand)
	if err != nil {
		return nil, err
	}

	appLog.Info("feed fetch success", "property", propertyID, "source", ep.Source, "intervals", len(ivs))
	return ivs, nil
}

// redactURL hides the token-bearing parts of a feed URL for logging.
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "feed://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}

	return u[:j] + redactedSuffix
}
