package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const querySeparator = "?"

// CacheKeyer turns requests and configured resource identifiers into storage keys.
// A key is the escaped request path plus the raw query, if any.
// Fragments, hosts and headers are not part of the key.
type CacheKeyer struct{}

func NewCacheKeyer() CacheKeyer {
	return CacheKeyer{}
}

// Key returns the storage key for an incoming request.
// Only GET requests can be answered from storage,
// any other method returns ErrorMethodNotSupported.
func (c CacheKeyer) Key(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return c.urlKey(r.URL), nil
}

// ResourceKey returns the storage key for a resource identifier from the resource list.
// Identifiers are origin-relative paths, e.g. `/styles.css` or `/assets/Logo Maison.png`.
// Unescaped characters such as spaces are allowed and will be escaped in the key.
func (c CacheKeyer) ResourceKey(id string) (string, error) {
	if !strings.HasPrefix(id, "/") || strings.HasPrefix(id, "//") {
		return "", fmt.Errorf("Resource %q is not an origin-relative path", id)
	}
	u, err := url.Parse(id)
	if err != nil {
		return "", fmt.Errorf("Resource %q: %w", id, err)
	}
	if u.IsAbs() || u.Host != "" {
		return "", fmt.Errorf("Resource %q is not an origin-relative path", id)
	}
	return c.urlKey(u), nil
}

// GetRequestFromKey generates a GET request for the resource identified by key.
// The request URL is relative; the caller resolves it against the origin.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	if !strings.HasPrefix(key, "/") {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	return http.NewRequest(http.MethodGet, key, nil)
}

func (c CacheKeyer) urlKey(u *url.URL) string {
	key := u.EscapedPath()
	if key == "" {
		key = "/"
	}
	if u.RawQuery != "" {
		key += querySeparator + u.RawQuery
	}
	return key
}
