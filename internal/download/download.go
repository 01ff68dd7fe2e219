package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultRedirectLimit bounds how many redirects a single fetch may follow.
	DefaultRedirectLimit = 10

	// PartialSuffix marks files whose download has not finished yet.
	PartialSuffix = ".partial"
)

var (
	errTooManyRedirects = errors.New("redirect limit exceeded")
	errNoLocation       = errors.New("redirect response without location header")
	errBadHTTPStatus    = errors.New("unexpected http status")
)

// Progress is the transient state of a running download.
type Progress struct {
	// Received is the number of body bytes written so far.
	Received int64
	// Total is the expected body size, or -1 when the server does not announce one.
	Total int64
}

// ProgressFunc receives progress updates while the body streams to disk.
// It runs on the download goroutine, so it must be cheap.
type ProgressFunc func(Progress)

// Downloader performs single-shot HTTP downloads with explicit redirect handling.
type Downloader struct {
	client        *http.Client
	redirectLimit int
}

// Option customizes a Downloader.
type Option func(*Downloader)

// WithTimeout bounds the whole request including body streaming.
// A non-positive value keeps the default of no timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		if timeout > 0 {
			d.client.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. The downloader still
// owns redirect handling, so automatic following is disabled on a copy of
// the provided client.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) {
		if client == nil {
			return
		}

		clone := *client
		clone.CheckRedirect = stopRedirects
		d.client = &clone
	}
}

// WithRedirectLimit overrides the redirect bound.
func WithRedirectLimit(limit int) Option {
	return func(d *Downloader) {
		if limit > 0 {
			d.redirectLimit = limit
		}
	}
}

// New returns a Downloader with the default redirect bound and no timeout.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		client: &http.Client{
			CheckRedirect: stopRedirects,
		},
		redirectLimit: DefaultRedirectLimit,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// stopRedirects keeps the HTTP client from chasing redirects on its own.
func stopRedirects(_ *http.Request, _ []*http.Request) error {
	return http.ErrUseLastResponse
}

// Fetch downloads rawURL into destPath, reporting progress through report
// (which may be nil). The body streams to destPath plus PartialSuffix and is
// renamed into place after it has been fully received; on any failure the
// partial file is removed and the error returned.
func (d *Downloader) Fetch(ctx context.Context, rawURL, destPath string, report ProgressFunc) error {
	response, err := d.get(ctx, rawURL)
	if err != nil {
		return err
	}

	defer func() {
		_ = response.Body.Close()
	}()

	partialPath := destPath + PartialSuffix

	outputFile, err := os.Create(filepath.Clean(partialPath))
	if err != nil {
		return err
	}

	body := &progressReader{
		reader: response.Body,
		total:  response.ContentLength,
		report: report,
	}

	if _, err = io.Copy(outputFile, body); err != nil {
		_ = outputFile.Close()
		_ = os.Remove(partialPath)

		return fmt.Errorf("stream %s: %w", rawURL, err)
	}

	if err = outputFile.Close(); err != nil {
		_ = os.Remove(partialPath)

		return err
	}

	if err = os.Rename(partialPath, destPath); err != nil {
		_ = os.Remove(partialPath)

		return err
	}

	return nil
}

// get issues the GET request and follows up to redirectLimit redirects by hand.
// Only a 200 response is returned to the caller; its body is left open.
func (d *Downloader) get(ctx context.Context, rawURL string) (*http.Response, error) {
	currentURL := rawURL

	for redirects := 0; ; redirects++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, currentURL, http.NoBody)
		if err != nil {
			return nil, err
		}

		response, err := d.client.Do(req)
		if err != nil {
			return nil, err
		}

		if !isRedirect(response.StatusCode) {
			if response.StatusCode != http.StatusOK {
				status := response.Status
				_ = response.Body.Close()

				return nil, fmt.Errorf("%s, %s: %w", currentURL, status, errBadHTTPStatus)
			}

			return response, nil
		}

		location := response.Header.Get("Location")
		_ = response.Body.Close()

		if location == "" {
			return nil, fmt.Errorf("%s: %w", currentURL, errNoLocation)
		}

		if redirects >= d.redirectLimit {
			return nil, fmt.Errorf("%s: stopped after %d redirects: %w", rawURL, d.redirectLimit, errTooManyRedirects)
		}

		currentURL, err = resolveLocation(currentURL, location)
		if err != nil {
			return nil, err
		}
	}
}

// isRedirect reports whether the status code asks the client to go elsewhere.
func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// resolveLocation interprets a possibly relative Location header against the
// URL that produced it.
func resolveLocation(currentURL, location string) (string, error) {
	base, err := url.Parse(currentURL)
	if err != nil {
		return "", err
	}

	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid redirect location %q: %w", location, err)
	}

	return base.ResolveReference(ref).String(), nil
}

// progressReader counts body bytes as they arrive and reports them.
type progressReader struct {
	reader   io.Reader
	received int64
	total    int64
	report   ProgressFunc
}

// Read passes through to the wrapped reader and fires the progress callback.
func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.received += int64(n)

		if pr.report != nil {
			pr.report(Progress{Received: pr.received, Total: pr.total})
		}
	}

	return n, err
}
