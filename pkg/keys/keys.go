// Package keys implements the two standard key serializers (§4.1): pure
// functions deriving a stable identity string from a request context.
// Grounded on the teacher's pkg/utils/encoding.go (stable JSON marshaling
// via sorted map keys, used here for Request's canonical payload encoding); the
// deterministic string layout of Endpoint/Request is otherwise new, since the
// teacher's own key derivation (pkg/utils/hash.go) is a consistent-hash
// ring for shard assignment, not a request-identity serializer.
package keys

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Context is the minimal shape a serializer needs; dedupe.Policy and
// cache.Store build one from a models.RequestContext, so this package stays
// dependency-free of pkg/models (serializers are usable standalone).
type Context struct {
	Method  string
	URL     *url.URL
	Payload any
	Headers map[string][]string
}

// Serializer derives a stable string key from a request context; Endpoint
// and Request have this shape. Policies select one of the two by name
// ("endpoint", or any other name for Request); no policy accepts a
// caller-supplied Serializer. An error from key derivation is surfaced by
// the pipeline as a FetchError with step=response, before any fetch
// (§4.1); a panic is not recovered.
type Serializer func(Context) (string, error)

// includedHeaders is the fixed allow-list the request serializer retains;
// everything else is considered dynamic and dropped (§4.1).
var includedHeaders = []string{"authorization", "accept", "accept-language", "content-type", "accept-encoding"}

// Endpoint implements the "endpoint" serializer: "{METHOD}|{pathname}".
// It is a pure function of method and URL path alone (§8 round-trip law).
func Endpoint(ctx Context) (string, error) {
	path := "/"
	if ctx.URL != nil && ctx.URL.Path != "" {
		path = ctx.URL.Path
	}
	return fmt.Sprintf("%s|%s", strings.ToUpper(ctx.Method), path), nil
}

// Request implements the "request" serializer: four '|'-joined parts —
// method; pathname+search; stable-JSON payload; filtered lowercase headers.
func Request(ctx Context) (string, error) {
	path := "/"
	search := ""
	if ctx.URL != nil {
		if ctx.URL.Path != "" {
			path = ctx.URL.Path
		}
		search = ctx.URL.RawQuery
	}
	pathPart := path
	if search != "" {
		pathPart = path + "?" + search
	}

	payloadPart := ""
	if ctx.Payload != nil {
		b, err := StableJSON(ctx.Payload)
		if err != nil {
			return "", fmt.Errorf("keys: serializing payload: %w", err)
		}
		payloadPart = string(b)
	}

	headerPart := filteredHeaders(ctx.Headers)

	parts := []string{strings.ToUpper(ctx.Method), pathPart, payloadPart}
	if headerPart != "" {
		parts = append(parts, headerPart)
	}
	return strings.Join(parts, "|"), nil
}

func filteredHeaders(h map[string][]string) string {
	if len(h) == 0 {
		return ""
	}
	kept := make(map[string]string, len(includedHeaders))
	for k, v := range h {
		lk := strings.ToLower(k)
		for _, allowed := range includedHeaders {
			if lk == allowed {
				kept[lk] = strings.Join(v, ",")
			}
		}
	}
	if len(kept) == 0 {
		return ""
	}
	names := make([]string, 0, len(kept))
	for k := range kept {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+"="+kept[k])
	}
	return strings.Join(parts, "&")
}

// StableJSON marshals v with object keys sorted, so that structurally
// identical payloads always serialize identically. Nil values are not
// dropped: they encode as null (Request omits a nil payload itself).
func StableJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalize round-trips v through JSON into a generic representation with
// map keys naturally ordered by Go's json package (which already sorts
// map[string]any keys), recursing into nested maps/slices.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return generic, nil
}
