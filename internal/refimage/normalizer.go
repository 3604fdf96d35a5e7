// Package refimage converts reference images between the representations the
// generation providers require: remote URLs on one side, inline base64 bytes on
// the other. Conversions are best effort; a degraded image list never fails a
// generation call.
package refimage

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"storyreel/internal/retry"
)

// Image is one reference image in up to two representations at once.
type Image struct {
	URL      string
	Data     string // base64, no data-URL prefix
	MimeType string
}

// Inline reports whether the image carries materialized bytes.
func (i Image) Inline() bool { return i.Data != "" }

// Options configures a Normalizer.
type Options struct {
	HTTPClient *http.Client
	Cache      *Cache
	// ProxyBaseURL prefixes downloads for hosts that reject direct
	// cross-origin fetches; empty disables the bypass.
	ProxyBaseURL string
	ProxyHosts   []string
	Logger       zerolog.Logger
	Retry        retry.Options
}

// Normalizer converts mixed-representation image inputs into the shape a
// target provider requires.
type Normalizer struct {
	httpClient *http.Client
	cache      *Cache
	proxyBase  string
	proxyHosts map[string]struct{}
	logger     zerolog.Logger
	retry      retry.Options
}

// NewNormalizer constructs a Normalizer with sane defaults.
func NewNormalizer(opts Options) *Normalizer {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewCache(0)
	}
	hosts := make(map[string]struct{}, len(opts.ProxyHosts))
	for _, h := range opts.ProxyHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts[h] = struct{}{}
		}
	}
	return &Normalizer{
		httpClient: client,
		cache:      cache,
		proxyBase:  strings.TrimRight(opts.ProxyBaseURL, "/"),
		proxyHosts: hosts,
		logger:     opts.Logger,
		retry:      opts.Retry,
	}
}

// Cache exposes the bidirectional cache so adapters can populate it when they
// materialize provider results.
func (n *Normalizer) Cache() *Cache { return n.cache }

// Inline produces the inline-bytes representation of a single input. The
// second return is false when the image had to be dropped entirely.
func (n *Normalizer) Inline(ctx context.Context, input string) (Image, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Image{}, false
	}

	if mime, data, ok := splitDataURL(input); ok {
		return Image{Data: data, MimeType: mime}, true
	}
	if !isHTTPURL(input) {
		// Bare base64 without a type prefix; classify by magic signature.
		return Image{Data: input, MimeType: SniffMime(input)}, true
	}

	if cached, ok := n.cache.DataForURL(input); ok {
		return Image{URL: input, Data: cached, MimeType: SniffMime(cached)}, true
	}

	raw, mime, err := n.fetch(ctx, input)
	if err != nil {
		if isSignedURL(input) {
			// A time-limited signed URL will not come back; retrying is futile.
			n.logger.Warn().Err(err).Str("url", input).Msg("refimage: dropping expired reference image")
			return Image{}, false
		}
		// The provider-side fetch may still succeed where ours could not.
		n.logger.Warn().Err(err).Str("url", input).Msg("refimage: forwarding raw url after failed download")
		return Image{URL: input}, true
	}

	encoded := base64.StdEncoding.EncodeToString(raw)
	if mime == "" {
		mime = SniffMime(encoded)
	}
	n.cache.Remember(input, encoded)
	return Image{URL: input, Data: encoded, MimeType: mime}, true
}

// InlineAll normalizes a list of inputs for providers requiring inline bytes.
// Unusable entries are dropped, never fatal.
func (n *Normalizer) InlineAll(ctx context.Context, inputs []string) []Image {
	out := make([]Image, 0, len(inputs))
	for _, in := range inputs {
		if img, ok := n.Inline(ctx, in); ok {
			out = append(out, img)
		}
	}
	return out
}

// URLFor produces the URL-only representation of a single input. Inline images
// resolve through the cache; a miss omits the image rather than failing.
func (n *Normalizer) URLFor(ctx context.Context, input string) (string, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", false
	}
	if isHTTPURL(input) {
		return input, true
	}
	if u, ok := n.cache.URLForInline(input); ok {
		return u, true
	}
	n.logger.Warn().Msg("refimage: inline image has no known provider url, omitting")
	return "", false
}

// URLsFor normalizes a list of inputs for providers that accept URLs only.
func (n *Normalizer) URLsFor(ctx context.Context, inputs []string) []string {
	out := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if u, ok := n.URLFor(ctx, in); ok {
			out = append(out, u)
		}
	}
	return out
}

// Materialize downloads a provider result URL and returns its base64 encoding,
// remembering the mapping for later URL-only submissions.
func (n *Normalizer) Materialize(ctx context.Context, resultURL string) (string, string, error) {
	raw, mime, err := n.fetch(ctx, resultURL)
	if err != nil {
		return "", "", err
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	if mime == "" {
		mime = SniffMime(encoded)
	}
	n.cache.Remember(resultURL, encoded)
	return encoded, mime, nil
}

func (n *Normalizer) fetch(ctx context.Context, raw string) ([]byte, string, error) {
	target := raw
	if n.proxyBase != "" {
		if u, err := url.Parse(raw); err == nil {
			if _, ok := n.proxyHosts[strings.ToLower(u.Hostname())]; ok {
				target = n.proxyBase + "?url=" + url.QueryEscape(raw)
			}
		}
	}

	var body []byte
	var mime string
	err := retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("build download request: %w", err)
		}
		resp, err := n.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("download image: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			return &retry.StatusError{StatusCode: resp.StatusCode, Message: "image download failed"}
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		mime = resp.Header.Get("Content-Type")
		return nil
	}, n.retry)
	if err != nil {
		return nil, "", err
	}
	return body, mime, nil
}

// SniffMime classifies bare base64 content by its leading characters against
// known magic-number signatures, defaulting to PNG when unrecognized.
func SniffMime(encoded string) string {
	switch {
	case strings.HasPrefix(encoded, "/9j/"):
		return "image/jpeg"
	case strings.HasPrefix(encoded, "iVBOR"):
		return "image/png"
	case strings.HasPrefix(encoded, "R0lGO"):
		return "image/gif"
	case strings.HasPrefix(encoded, "UklGR"):
		return "image/webp"
	default:
		return "image/png"
	}
}

func splitDataURL(s string) (mime, data string, ok bool) {
	if !strings.HasPrefix(s, "data:") {
		return "", "", false
	}
	rest := s[len("data:"):]
	idx := strings.Index(rest, ";base64,")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+len(";base64,"):], true
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// isSignedURL recognizes time-limited signed URLs by their query parameters.
func isSignedURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	q := u.Query()
	for _, key := range []string{"X-Amz-Signature", "X-Goog-Signature", "OSSAccessKeyId", "Signature", "sig", "token"} {
		if q.Get(key) != "" {
			return true
		}
	}
	if q.Get("Expires") != "" || q.Get("X-Amz-Expires") != "" {
		return true
	}
	return false
}
