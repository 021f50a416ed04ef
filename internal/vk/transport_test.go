package vk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestHTTPTransportUnwrapsResponse(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = r.PostForm
		w.Write([]byte(`{"response": {"count": 2, "items": [{"id": 1}, {"id": 2}]}}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{Token: "secret", Endpoint: srv.URL, Version: "5.199"})
	params := url.Values{}
	params.Set("group_id", "42")

	raw, err := tr.Post(context.Background(), "groups.getMembers", params)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if gotPath != "/groups.getMembers" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotForm.Get("access_token") != "secret" || gotForm.Get("v") != "5.199" {
		t.Fatalf("auth params not injected: %v", gotForm)
	}
	if gotForm.Get("group_id") != "42" {
		t.Fatalf("caller params lost: %v", gotForm)
	}

	var page MembersPage
	if err := json.Unmarshal(raw, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Count != 2 || len(page.Items) != 2 {
		t.Fatalf("page = %+v", page)
	}
}

func TestHTTPTransportErrorTaxonomy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     string
		wantKind ErrorKind
		wantCode int
		wantHint time.Duration
		hasHint  bool
	}{
		{
			name:     "provider error",
			status:   200,
			body:     `{"error": {"error_code": 100, "error_msg": "One of the parameters specified was missing"}}`,
			wantKind: KindProvider,
			wantCode: 100,
		},
		{
			name:     "throttled with hint",
			status:   200,
			body:     `{"error": {"error_code": 6, "error_msg": "Too many requests per second", "error_data": {"retry_after": 0.5}}}`,
			wantKind: KindThrottled,
			wantCode: 6,
			wantHint: 500 * time.Millisecond,
			hasHint:  true,
		},
		{
			name:     "flood control with string hint",
			status:   200,
			body:     `{"error": {"error_code": 9, "error_msg": "Flood control", "error_data": {"retry_after": "2"}}}`,
			wantKind: KindThrottled,
			wantCode: 9,
			wantHint: 2 * time.Second,
			hasHint:  true,
		},
		{
			name:     "throttled without hint",
			status:   200,
			body:     `{"error": {"error_code": 6, "error_msg": "Too many requests per second"}}`,
			wantKind: KindThrottled,
			wantCode: 6,
		},
		{
			name:     "http failure",
			status:   502,
			body:     `bad gateway`,
			wantKind: KindTransport,
		},
		{
			name:     "garbage body",
			status:   200,
			body:     `{{{`,
			wantKind: KindTransport,
		},
		{
			name:     "empty envelope",
			status:   200,
			body:     `{}`,
			wantKind: KindTransport,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			tr := NewHTTPTransport(HTTPConfig{Token: "x", Endpoint: srv.URL})
			_, err := tr.Post(context.Background(), "messages.send", nil)
			if err == nil {
				t.Fatal("want error")
			}
			e, ok := AsError(err)
			if !ok {
				t.Fatalf("err %T is not tagged", err)
			}
			if e.Kind != tc.wantKind {
				t.Fatalf("kind = %d, want %d (err: %v)", e.Kind, tc.wantKind, err)
			}
			if e.Code != tc.wantCode {
				t.Fatalf("code = %d, want %d", e.Code, tc.wantCode)
			}
			hint, ok := e.RetryAfter()
			if ok != tc.hasHint {
				t.Fatalf("hint present = %v, want %v", ok, tc.hasHint)
			}
			if ok && hint != tc.wantHint {
				t.Fatalf("hint = %v, want %v", hint, tc.wantHint)
			}
			if tc.wantKind == KindThrottled && !IsThrottled(err) {
				t.Fatal("IsThrottled = false for throttle error")
			}
		})
	}
}
