// Package fetch retrieves pages over HTTP with an Internet Archive
// fallback for dead or hostile URLs.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"mywebintel/internal/logging"
)

// StatusNoResponse is recorded when neither the live site nor the
// archive produced a response.
const StatusNoResponse = "000"

// maxBodySize caps page reads at 10 MiB.
const maxBodySize = 10 * 1024 * 1024

// connectTimeout bounds the dial and TLS handshake separately from the
// total request budget, so dead hosts fail early.
const connectTimeout = 10 * time.Second

const defaultWaybackBase = "https://archive.org/wayback/available"

// Result is the outcome of a page fetch. Status always holds a
// three-character code: an HTTP status, or "000" for no response.
// Cancelled marks a fetch the caller's context aborted before any
// live status was obtained; the outcome is not definitive.
type Result struct {
	URL         string
	Status      string
	HTML        string
	FromArchive bool
	Cancelled   bool
}

// Options configures a Fetcher.
type Options struct {
	UserAgent         string
	Timeout           time.Duration
	Archive           bool
	RequestsPerSecond float64
}

// Fetcher retrieves pages with a shared client, a politeness rate
// limit and an optional Wayback Machine fallback.
type Fetcher struct {
	client      *http.Client
	userAgent   string
	archive     bool
	limiter     *rate.Limiter
	waybackBase string
}

// New creates a Fetcher. A RequestsPerSecond of zero disables rate
// limiting.
func New(opts Options) *Fetcher {
	dialer := &net.Dialer{Timeout: connectTimeout}
	f := &Fetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   connectTimeout,
				ResponseHeaderTimeout: opts.Timeout,
				MaxIdleConnsPerHost:   4,
			},
		},
		userAgent:   opts.UserAgent,
		archive:     opts.Archive,
		waybackBase: defaultWaybackBase,
	}
	if opts.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return f
}

// CloseIdleConnections releases the client's kept-alive connections.
func (f *Fetcher) CloseIdleConnections() {
	f.client.CloseIdleConnections()
}

// Page fetches a URL. A live 2xx HTML response wins; anything else
// falls through to the archive when enabled. Status always records
// the live outcome ("000" when nothing answered), even when the body
// came from a snapshot.
func (f *Fetcher) Page(ctx context.Context, rawURL string) Result {
	res := Result{URL: rawURL, Status: StatusNoResponse}

	status, html, err := f.get(ctx, rawURL)
	if err == nil {
		res.Status = status
		if html != "" {
			res.HTML = html
			return res
		}
		logging.FetchDebug("[Page] live fetch unusable url=%s status=%s", rawURL, status)
	} else {
		if ctx.Err() != nil {
			res.Cancelled = true
			return res
		}
		logging.FetchDebug("[Page] live fetch failed url=%s err=%v", rawURL, err)
	}

	if !f.archive {
		return res
	}

	snapshot, err := f.waybackSnapshot(ctx, rawURL)
	if err != nil {
		logging.FetchWarn("[Page] wayback lookup failed url=%s err=%v", rawURL, err)
		return res
	}
	if snapshot == "" {
		return res
	}

	_, html, err = f.get(ctx, snapshot)
	if err != nil {
		logging.FetchWarn("[Page] snapshot fetch failed url=%s err=%v", snapshot, err)
		return res
	}
	if html != "" {
		// The live status stays on record; only the body comes from
		// the snapshot.
		res.HTML = html
		res.FromArchive = true
		logging.Fetch("[Page] served from archive url=%s snapshot=%s", rawURL, snapshot)
	}
	return res
}

// get performs one GET. It returns the status code as a string and
// the body when the response was a 2xx HTML page.
func (f *Fetcher) get(ctx context.Context, rawURL string) (string, string, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return "", "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	status := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return status, "", nil
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return status, "", nil
	}

	// Pages still arrive in legacy encodings; decode to UTF-8 before
	// anything downstream tokenizes the text.
	reader, err := charset.NewReader(io.LimitReader(resp.Body, maxBodySize), resp.Header.Get("Content-Type"))
	if err != nil {
		return status, "", fmt.Errorf("failed to decode body: %w", err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return status, "", fmt.Errorf("failed to read body: %w", err)
	}
	return status, string(body), nil
}

// waybackSnapshot asks the availability API for the closest snapshot.
// An empty URL means the archive has none.
func (f *Fetcher) waybackSnapshot(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.waybackBase+"?url="+url.QueryEscape(rawURL), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("availability API returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", err
	}

	var avail struct {
		ArchivedSnapshots struct {
			Closest struct {
				Available bool   `json:"available"`
				URL       string `json:"url"`
				Status    string `json:"status"`
			} `json:"closest"`
		} `json:"archived_snapshots"`
	}
	if err := json.Unmarshal(body, &avail); err != nil {
		return "", fmt.Errorf("failed to parse availability response: %w", err)
	}
	if !avail.ArchivedSnapshots.Closest.Available {
		return "", nil
	}
	return avail.ArchivedSnapshots.Closest.URL, nil
}
