// Package querystring extracts launch parameters (amount, origin) from the
// URL the hosting POS opens the bridge with.
package querystring

import (
	"fmt"
	"net/url"
	"strings"
)

// Parse returns every key/value pair in the query part of raw.
//
// raw may be a full URL or a bare query string, with or without the leading
// "?". Pairs are split on "&" and then on the first "=". Both halves are
// percent-decoded; "+" is kept literally. Pairs with an empty key or without
// "=" are skipped and a repeated key keeps its last value. No key is required:
// callers check for amount and origin themselves.
func Parse(raw string) (map[string]string, error) {
	query := raw
	if i := strings.IndexByte(query, '#'); i >= 0 {
		query = query[:i]
	}
	if i := strings.IndexByte(query, '?'); i >= 0 {
		query = query[i+1:]
	}

	result := make(map[string]string)
	for _, pair := range strings.Split(query, "&") {
		rawKey, rawValue, found := strings.Cut(pair, "=")
		if !found || rawKey == "" {
			continue
		}
		key, err := url.PathUnescape(rawKey)
		if err != nil {
			return nil, fmt.Errorf("decode key %q: %w", rawKey, err)
		}
		value, err := url.PathUnescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("decode value for %q: %w", key, err)
		}
		result[key] = value
	}
	return result, nil
}
