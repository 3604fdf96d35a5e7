package refimage

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// fingerprintLen is the number of leading base64 characters used to key
	// the cache. Long enough to be unique in practice, short enough that a
	// lookup never touches the full payload.
	fingerprintLen = 64

	defaultCacheSize = 128
)

// Cache remembers which previously materialized inline image corresponds to
// which provider-hosted URL, in both directions. It is process-local, bounded,
// and advisory only: a miss is always recoverable by re-fetching the URL.
type Cache struct {
	urlByFingerprint *lru.Cache[string, string]
	dataByURL        *lru.Cache[string, string]
}

// NewCache builds a bounded cache. Size <= 0 falls back to the default.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = defaultCacheSize
	}
	urls, _ := lru.New[string, string](size)
	data, _ := lru.New[string, string](size)
	return &Cache{urlByFingerprint: urls, dataByURL: data}
}

// Remember records that the given provider URL was materialized into the given
// base64 payload.
func (c *Cache) Remember(url, encoded string) {
	if c == nil || url == "" || encoded == "" {
		return
	}
	c.urlByFingerprint.Add(Fingerprint(encoded), url)
	c.dataByURL.Add(url, encoded)
}

// URLForInline resolves an inline payload back to the provider URL it was
// materialized from.
func (c *Cache) URLForInline(encoded string) (string, bool) {
	if c == nil || encoded == "" {
		return "", false
	}
	return c.urlByFingerprint.Get(Fingerprint(encoded))
}

// DataForURL returns the cached inline payload for a provider URL.
func (c *Cache) DataForURL(url string) (string, bool) {
	if c == nil || url == "" {
		return "", false
	}
	return c.dataByURL.Get(url)
}

// Fingerprint derives the cache key from the leading characters of a base64
// payload, ignoring any data-URL prefix.
func Fingerprint(encoded string) string {
	if _, data, ok := splitDataURL(encoded); ok {
		encoded = data
	}
	if len(encoded) > fingerprintLen {
		return encoded[:fingerprintLen]
	}
	return encoded
}
