// Package headers implements the minimal "property store" primitive the
// spec declares an external collaborator (§6): layered default/method/
// request merge for HTTP headers and query params, plus header-key
// formatting. fetchengine implements only the merge mechanics, not the
// fuller option-validation/assertion surface the spec excludes.
// Grounded on the teacher's pkg/utils/encoding.go layered-helper style
// (plain functions, no framework).
package headers

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// FormatMode controls how resolved header keys are rewritten (§6).
type FormatMode string

const (
	FormatOff       FormatMode = "off"
	FormatLowercase FormatMode = "lowercase"
	FormatUppercase FormatMode = "uppercase"
)

// MergeHeaders layers default -> method -> request header maps, later
// layers overriding earlier ones for the same (case-insensitive) key,
// then applies the requested key format.
func MergeHeaders(format FormatMode, customFormat func(http.Header) http.Header, layers ...map[string][]string) http.Header {
	merged := http.Header{}
	for _, layer := range layers {
		for k, v := range layer {
			merged.Del(k)
			for _, val := range v {
				merged.Add(k, val)
			}
		}
	}
	return applyFormat(merged, format, customFormat)
}

func applyFormat(h http.Header, format FormatMode, customFormat func(http.Header) http.Header) http.Header {
	switch format {
	case FormatLowercase:
		return rekey(h, strings.ToLower)
	case FormatUppercase:
		return rekey(h, strings.ToUpper)
	case FormatOff, "":
		if customFormat != nil {
			return customFormat(h)
		}
		return h
	default:
		if customFormat != nil {
			return customFormat(h)
		}
		return h
	}
}

func rekey(h http.Header, fn func(string) string) http.Header {
	out := http.Header{}
	for k, v := range h {
		out[fn(k)] = v
	}
	return out
}

// MergeParams layers default -> method -> request query param maps and
// merges the result into an existing URL's query string, later layers
// overriding earlier ones for the same key, matching §4.7 step 3
// ("merge with path's existing query; rebuild URL").
func MergeParams(base *url.URL, layers ...map[string][]string) *url.URL {
	out := *base
	q := out.Query()
	for _, layer := range layers {
		keys := make([]string, 0, len(layer))
		for k := range layer {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q[k] = layer[k]
		}
	}
	out.RawQuery = q.Encode()
	return &out
}
