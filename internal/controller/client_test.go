package controller

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/policysync/internal/errors"
	"github.com/xtxerr/policysync/internal/snapshot"
)

func newTestClient(t *testing.T, handler http.Handler, domains ...snapshot.Domain) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := NewClient(Config{
		Address:    server.URL,
		APIKey:     "secret",
		Domains:    domains,
		Timeout:    time.Second,
		Retries:    2,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestClient_FetchFullState(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/v2/firewall_policy":
			_, _ = io.WriteString(w, `[{"_id":"p1","name":"Block IoT","enabled":false,"action":"drop","index":2}]`)
		case "/api/v2/wlan":
			_, _ = io.WriteString(w, `{"data":[{"id":"guest","name":"Guest","enabled":true}]}`)
		case "/api/v2/device":
			_, _ = io.WriteString(w, `{"data":[]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}), snapshot.DomainFirewallPolicy, snapshot.DomainWLAN, snapshot.DomainDevice)

	snap, err := c.FetchFullState(context.Background())
	if err != nil {
		t.Fatalf("FetchFullState() error = %v", err)
	}
	if snap.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", snap.Len())
	}
	if !snap.HasDomain(snapshot.DomainDevice) {
		t.Error("empty domain should still be marked as fetched")
	}

	rec, ok := snap.Get(snapshot.Key{Domain: snapshot.DomainFirewallPolicy, ID: "p1"})
	if !ok || rec.Enabled || rec.Name != "Block IoT" {
		t.Fatalf("p1 = %+v", rec)
	}
	if v, _ := rec.Attr("action"); v != "drop" {
		t.Errorf("action = %v, want drop", v)
	}
	if v, _ := rec.Attr("index"); v != float64(2) {
		t.Errorf("index = %v (%T), want float64 2", v, v)
	}
	if _, ok := rec.Attr("_id"); ok {
		t.Error("_id should not be an attribute")
	}

	guest, ok := snap.Get(snapshot.Key{Domain: snapshot.DomainWLAN, ID: "guest"})
	if !ok || !guest.Enabled {
		t.Errorf("guest = %+v", guest)
	}
}

func TestClient_FetchRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}), snapshot.DomainDevice)

	if _, err := c.FetchFullState(context.Background()); err != nil {
		t.Fatalf("FetchFullState() error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestClient_FetchFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
		calls   int32
	}{
		{name: "server error exhausts retries", status: http.StatusInternalServerError, wantErr: errors.ErrConnectionFailed, calls: 3},
		{name: "client error not retried", status: http.StatusForbidden, wantErr: errors.ErrFetchFailed, calls: 1},
		{name: "malformed body", status: http.StatusOK, body: `{"data":`, wantErr: errors.ErrFetchFailed, calls: 1},
		{name: "missing id", status: http.StatusOK, body: `[{"name":"x"}]`, wantErr: errors.ErrFetchFailed, calls: 1},
		{name: "enabled not bool", status: http.StatusOK, body: `[{"_id":"a","enabled":"yes"}]`, wantErr: errors.ErrFetchFailed, calls: 1},
		{name: "duplicate id", status: http.StatusOK, body: `[{"_id":"a"},{"_id":"a"}]`, wantErr: errors.ErrFetchFailed, calls: 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}), snapshot.DomainDevice)

			_, err := c.FetchFullState(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if !errors.IsFetchError(err) {
				t.Errorf("IsFetchError(%v) = false", err)
			}
			if got := calls.Load(); got != tt.calls {
				t.Errorf("calls = %d, want %d", got, tt.calls)
			}
		})
	}
}

// One failing domain fails the whole fetch.
func TestClient_FetchOneDomainFails(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/wlan" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}), snapshot.DomainFirewallPolicy, snapshot.DomainWLAN)

	snap, err := c.FetchFullState(context.Background())
	if err == nil || snap != nil {
		t.Fatalf("FetchFullState() = %v, %v; want error and no snapshot", snap, err)
	}
}

func TestClient_Write(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		method string
		path   string
		body   map[string]any
	)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, path = r.Method, r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))

	key := snapshot.Key{Domain: snapshot.DomainFirewallPolicy, ID: "p1"}
	desired := snapshot.NewState(true, "", map[string]any{"action": "reject"})
	if err := c.Write(context.Background(), key, desired); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || path != "/api/v2/firewall_policy/p1" {
		t.Errorf("request = %s %s", method, path)
	}
	if body["enabled"] != true || body["action"] != "reject" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["name"]; ok {
		t.Error("unset name should not be sent")
	}
}

func TestClient_WriteFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "not found", status: http.StatusNotFound, wantErr: errors.ErrEntityNotFound},
		{name: "rejected", status: http.StatusUnprocessableEntity, wantErr: errors.ErrWriteFailed},
		{name: "server error", status: http.StatusInternalServerError, wantErr: errors.ErrWriteFailed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))

			key := snapshot.Key{Domain: snapshot.DomainWLAN, ID: "guest"}
			err := c.Write(context.Background(), key, snapshot.NewState(false, "", nil))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Write() error = %v, want %v", err, tt.wantErr)
			}
			if calls.Load() != 1 {
				t.Errorf("calls = %d, writes must not be retried", calls.Load())
			}
		})
	}
}

func TestClient_ConnectionRefused(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	c, err := NewClient(Config{Address: addr, Domains: []snapshot.Domain{snapshot.DomainDevice}, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	_, err = c.FetchFullState(context.Background())
	if !errors.Is(err, errors.ErrFetchFailed) || !errors.Is(err, errors.ErrConnectionFailed) {
		t.Errorf("error = %v, want fetch failure wrapping connection failure", err)
	}
}

func TestParseBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "https://127.0.0.1:8443"},
		{"10.0.0.1:8443", "https://10.0.0.1:8443"},
		{"http://ctrl.local/api?x=1#f", "http://ctrl.local"},
		{"  https://ctrl.local  ", "https://ctrl.local"},
	}
	for _, tt := range tests {
		u, err := parseBaseURL(tt.in)
		if err != nil {
			t.Fatalf("parseBaseURL(%q) error = %v", tt.in, err)
		}
		if u.String() != tt.want {
			t.Errorf("parseBaseURL(%q) = %q, want %q", tt.in, u.String(), tt.want)
		}
	}
}

func TestEndpointEscapesIDs(t *testing.T) {
	c, err := NewClient(Config{Address: "ctrl.local"})
	if err != nil {
		t.Fatal(err)
	}
	u := c.endpoint("wlan", "a b/c")
	if got := u.EscapedPath(); got != "/api/v2/wlan/a%20b%2Fc" {
		t.Errorf("EscapedPath() = %q", got)
	}
}
