// Package capture records the network exchanges of a host dashboard
// session into a HAR document, using a headless Chromium driven over
// CDP. The result feeds the bulk import preview; it replaces the
// manual "export a HAR from devtools" step.
package capture

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	appLog "rentcal/internal/log"
)

const defaultTimeout = 60 * time.Second

// Options defines parameters for a capture run.
type Options struct {
	// URL is the dashboard page to load, e.g. the host calendar view.
	URL string

	// OutputPath is where the HAR document will be written.
	OutputPath string

	// SettleDelay is how long to keep the page open after load so
	// late XHR traffic is still captured. Defaults to 10s.
	SettleDelay time.Duration

	// Timeout bounds the entire capture operation.
	Timeout time.Duration
}

// harEntry / harDoc mirror the subset of HAR 1.2 the extractor reads.
type harDoc struct {
	Log harLog `json:"log"`
}

type harLog struct {
	Version string     `json:"version"`
	Creator harCreator `json:"creator"`
	Entries []harEntry `json:"entries"`
}

type harCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type harEntry struct {
	Request  harRequest  `json:"request"`
	Response harResponse `json:"response"`
}

type harRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type harResponse struct {
	Status  int        `json:"status"`
	Content harContent `json:"content"`
}

type harContent struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// seenResponse tracks one response observed during the session.
type seenResponse struct {
	requestID network.RequestID
	url       string
	method    string
	status    int
	mimeType  string
}

// CaptureHAR loads opts.URL in a headless Chromium, records every
// request/response exchange including bodies, and writes the session as
// a HAR document to opts.OutputPath. Bodies that cannot be fetched
// (cache hits, redirects) produce entries without content, which the
// extractor skips anyway.
func CaptureHAR(parentCtx context.Context, opts Options) error {
	if opts.URL == "" {
		return fmt.Errorf("capture: URL is required")
	}
	if opts.OutputPath == "" {
		return fmt.Errorf("capture: OutputPath is required")
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var (
		mu        sync.Mutex
		responses []seenResponse
		methods   = map[network.RequestID]string{}
	)

	chromedp.ListenTarget(ctx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			mu.Lock()
			methods[e.RequestID] = e.Request.Method
			mu.Unlock()
		case *network.EventResponseReceived:
			mu.Lock()
			responses = append(responses, seenResponse{
				requestID: e.RequestID,
				url:       e.Response.URL,
				method:    methods[e.RequestID],
				status:    int(e.Response.Status),
				mimeType:  e.Response.MimeType,
			})
			mu.Unlock()
		}
	})

	tasks := chromedp.Tasks{
		network.Enable(),
		chromedp.Navigate(opts.URL),
		// Keep the page open so the calendar's lazy XHRs land too.
		chromedp.Sleep(opts.SettleDelay),
	}
	if err := chromedp.Run(ctx, tasks); err != nil {
		return fmt.Errorf("capture: chromedp run failed: %w", err)
	}

	// Fetch bodies while the target is still alive.
	c := chromedp.FromContext(ctx)
	ectx := cdp.WithExecutor(ctx, c.Target)

	mu.Lock()
	seen := append([]seenResponse(nil), responses...)
	mu.Unlock()

	entries := make([]harEntry, 0, len(seen))
	for _, r := range seen {
		entry := harEntry{
			Request:  harRequest{Method: r.method, URL: r.url},
			Response: harResponse{Status: r.status, Content: harContent{MimeType: r.mimeType}},
		}

		body, err := network.GetResponseBody(r.requestID).Do(ectx)
		if err == nil && len(body) > 0 {
			if utf8.Valid(body) {
				entry.Response.Content.Text = string(body)
			} else {
				entry.Response.Content.Text = base64.StdEncoding.EncodeToString(body)
				entry.Response.Content.Encoding = "base64"
			}
		}
		entries = append(entries, entry)
	}

	doc := harDoc{
		Log: harLog{
			Version: "1.2",
			Creator: harCreator{Name: "rentcal", Version: "1.0"},
			Entries: entries,
		},
	}

	data, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("capture: marshal HAR: %w", err)
	}
	if err := os.WriteFile(opts.OutputPath, data, 0o600); err != nil {
		return fmt.Errorf("capture: write HAR: %w", err)
	}

	appLog.Info("capture complete", "url", opts.URL, "exchanges", len(entries), "output", opts.OutputPath)
	return nil
}
