// Package filestore checks evidence references against the file store that
// holds the uploaded bytes. The engine never uploads or downloads evidence;
// it only confirms that a pre-uploaded URL answers and looks like the file
// the uploader described.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/arbiter/internal/circuitbreaker"
	"github.com/mbd888/arbiter/internal/retry"
)

var (
	ErrUnreachable = errors.New("evidence file unreachable")
	ErrMismatch    = errors.New("evidence file does not match its description")
)

// Reference is what the uploader claims about a file.
type Reference struct {
	URL      string
	FileSize int64
	FileType string
}

// Resolver confirms a reference. A nil error means the file looks right.
type Resolver interface {
	Resolve(ctx context.Context, ref Reference) error
}

// HTTPResolver issues a HEAD request for each reference.
type HTTPResolver struct {
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	guard   func(ctx context.Context, rawURL string) error
}

// NewHTTPResolver creates a resolver with a short timeout and two attempts.
func NewHTTPResolver() *HTTPResolver {
	return &HTTPResolver{
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: circuitbreaker.New(10, time.Minute),
		policy:  retry.Policy{Attempts: 2, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second},
	}
}

// WithHTTPClient replaces the default client.
func (r *HTTPResolver) WithHTTPClient(c *http.Client) *HTTPResolver {
	r.client = c
	return r
}

// WithURLGuard installs a check run before any request leaves the process,
// typically security.CheckPublicURL.
func (r *HTTPResolver) WithURLGuard(guard func(ctx context.Context, rawURL string) error) *HTTPResolver {
	r.guard = guard
	return r
}

// Resolve returns ErrUnreachable when the store does not answer 2xx and
// ErrMismatch when the reported length or content type disagrees with ref.
// Missing headers are not treated as a mismatch.
func (r *HTTPResolver) Resolve(ctx context.Context, ref Reference) error {
	u, err := url.Parse(ref.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: bad url %q", ErrUnreachable, ref.URL)
	}
	if r.guard != nil {
		if err := r.guard(ctx, ref.URL); err != nil {
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
	}

	var resp *http.Response
	err = r.policy.Do(ctx, func() error {
		return r.breaker.Do(u.Host, func() error {
			res, err := r.head(ctx, ref.URL)
			resp = res
			return err
		}, func(err error) bool { return !retry.IsPermanent(err) })
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	if ref.FileSize > 0 && resp.ContentLength >= 0 && resp.ContentLength != ref.FileSize {
		return fmt.Errorf("%w: size %d, store reports %d", ErrMismatch, ref.FileSize, resp.ContentLength)
	}
	if ct := resp.Header.Get("Content-Type"); ref.FileType != "" && ct != "" && !sameMediaType(ct, ref.FileType) {
		return fmt.Errorf("%w: type %s, store reports %s", ErrMismatch, ref.FileType, ct)
	}
	return nil
}

func (r *HTTPResolver) head(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusGone:
		return nil, retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
}

func sameMediaType(a, b string) bool {
	trim := func(s string) string {
		if i := strings.IndexByte(s, ';'); i >= 0 {
			s = s[:i]
		}
		return strings.ToLower(strings.TrimSpace(s))
	}
	return trim(a) == trim(b)
}

// Noop accepts every reference.
type Noop struct{}

func (Noop) Resolve(context.Context, Reference) error { return nil }

var (
	_ Resolver = (*HTTPResolver)(nil)
	_ Resolver = Noop{}
)
