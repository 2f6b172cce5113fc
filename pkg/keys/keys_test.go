package keys

import (
	"net/url"
	"testing"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestEndpointIsPureFunctionOfMethodAndPath(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		want   string
	}{
		{"simple get", "GET", "https://api.example.com/users", "GET|/users"},
		{"lowercase method upcased", "get", "https://api.example.com/users", "GET|/users"},
		{"query ignored", "GET", "https://api.example.com/users?x=1", "GET|/users"},
		{"fragment ignored", "GET", "https://api.example.com/users#frag", "GET|/users"},
		{"empty path resolves to slash", "GET", "https://api.example.com", "GET|/"},
		{"trailing slash differentiates", "GET", "https://api.example.com/users/", "GET|/users/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Endpoint(Context{Method: tt.method, URL: mustURL(t, tt.url)})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Endpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestSerializerIgnoresDynamicHeaders(t *testing.T) {
	base := Context{
		Method: "GET",
		URL:    mustURL(t, "https://api.example.com/x"),
		Headers: map[string][]string{
			"Authorization": {"Bearer abc"},
			"X-Trace-Id":    {"should-be-dropped"},
		},
	}
	withoutTrace := base
	withoutTrace.Headers = map[string][]string{"Authorization": {"Bearer abc"}}

	k1, err := Request(base)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := Request(withoutTrace)
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Errorf("dynamic header changed the key: %q vs %q", k1, k2)
	}
}

func TestRequestSerializerIsCaseInsensitiveOverHeaderNames(t *testing.T) {
	lower := Context{Method: "GET", URL: mustURL(t, "https://x/y"), Headers: map[string][]string{"authorization": {"a"}}}
	upper := Context{Method: "GET", URL: mustURL(t, "https://x/y"), Headers: map[string][]string{"Authorization": {"a"}}}
	k1, _ := Request(lower)
	k2, _ := Request(upper)
	if k1 != k2 {
		t.Errorf("case of header name changed the key: %q vs %q", k1, k2)
	}
}

func TestRequestSerializerDistinguishesPayload(t *testing.T) {
	ctxA := Context{Method: "POST", URL: mustURL(t, "https://x/y"), Payload: map[string]any{"a": 1}}
	ctxB := Context{Method: "POST", URL: mustURL(t, "https://x/y"), Payload: map[string]any{"a": 2}}
	ka, _ := Request(ctxA)
	kb, _ := Request(ctxB)
	if ka == kb {
		t.Errorf("different payloads produced the same key: %q", ka)
	}
}

func TestRequestSerializerStablePayloadKeyOrder(t *testing.T) {
	ctxA := Context{Method: "POST", URL: mustURL(t, "https://x/y"), Payload: map[string]any{"b": 1, "a": 2}}
	ctxB := Context{Method: "POST", URL: mustURL(t, "https://x/y"), Payload: map[string]any{"a": 2, "b": 1}}
	ka, err := Request(ctxA)
	if err != nil {
		t.Fatal(err)
	}
	kb, err := Request(ctxB)
	if err != nil {
		t.Fatal(err)
	}
	if ka != kb {
		t.Errorf("key order affected the key: %q vs %q", ka, kb)
	}
}

func TestRequestSerializerQueryOnlyPath(t *testing.T) {
	got, err := Request(Context{Method: "GET", URL: mustURL(t, "https://x/?a=1")})
	if err != nil {
		t.Fatal(err)
	}
	want := "GET|/?a=1|"
	if got != want {
		t.Errorf("Request() = %q, want %q", got, want)
	}
}

func TestStableJSONCircularPayloadFails(t *testing.T) {
	type node struct {
		Next *node
	}
	a := &node{}
	a.Next = a
	if _, err := StableJSON(a); err == nil {
		t.Error("expected error serializing circular payload, got nil")
	}
}

func TestUnicodePathPreserved(t *testing.T) {
	got, err := Endpoint(Context{Method: "GET", URL: mustURL(t, "https://x/%E2%98%83")})
	if err != nil {
		t.Fatal(err)
	}
	if got != "GET|/☃" {
		t.Errorf("Endpoint() = %q", got)
	}
}
