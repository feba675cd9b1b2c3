package mikrotik

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFindUserSendsBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "api" || pass != "secret" {
			t.Errorf("unexpected basic auth: %q %q %v", user, pass, ok)
		}
		if r.URL.Path != "/rest/ip/hotspot/user" || r.URL.Query().Get("name") != "alice" {
			t.Errorf("unexpected request: %s", r.URL.String())
		}
		json.NewEncoder(w).Encode([]HotspotUser{{ID: "*1", Name: "alice", Profile: "1h"}})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Username: "api", Password: "secret"})
	u, err := c.FindUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("find user failed: %v", err)
	}
	if u.ID != "*1" || u.Profile != "1h" {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestFindUserNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	if _, err := c.FindUser(context.Background(), "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateUserPatchesEscapedID(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	if err := c.UpdateUser(context.Background(), "*1A", map[string]string{"disabled": "true"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if gotMethod != http.MethodPatch {
		t.Fatalf("expected PATCH, got %s", gotMethod)
	}
	if gotPath != "/rest/ip/hotspot/user/*1A" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotBody["disabled"] != "true" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestRemoveActiveIgnoresMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":404,"message":"Not Found"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	if err := c.RemoveActive(context.Background(), "*9"); err != nil {
		t.Fatalf("expected nil for already-gone session, got %v", err)
	}
}

func TestHTTPErrorCarriesRouterMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":400,"message":"Bad Request","detail":"unknown profile"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.AddUser(context.Background(), HotspotUser{Name: "x", Profile: "nope"})
	if err == nil || !strings.Contains(err.Error(), "unknown profile") {
		t.Fatalf("expected router detail in error, got %v", err)
	}
}

func TestTimeoutIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := c.ListActive(context.Background())
	if err == nil || !strings.Contains(err.Error(), "mikrotik timeout") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestFormatUptime(t *testing.T) {
	cases := map[time.Duration]string{
		0:                                 "0s",
		time.Hour:                         "1h",
		26*time.Hour + 3*time.Minute:      "1d2h3m",
		90*time.Second + time.Millisecond: "1m30s",
	}
	for in, want := range cases {
		if got := FormatUptime(in); got != want {
			t.Errorf("FormatUptime(%v) = %q, want %q", in, got, want)
		}
	}
}
