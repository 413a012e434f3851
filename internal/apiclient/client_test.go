package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/linnemanlabs/palisade/internal/events"
	"github.com/linnemanlabs/palisade/internal/ledger"
	"github.com/linnemanlabs/palisade/internal/quarantine"
)

// captured is the last request a fake server saw.
type captured struct {
	mu     sync.Mutex
	method string
	path   string
	query  map[string]string
	header http.Header
	body   map[string]any
}

func fakeServer(t *testing.T, status int, resp string) (*Client, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.method = r.Method
		c.path = r.URL.Path
		c.query = map[string]string{}
		for k := range r.URL.Query() {
			c.query[k] = r.URL.Query().Get(k)
		}
		c.header = r.Header.Clone()
		data, _ := io.ReadAll(r.Body)
		c.body = nil
		if len(data) > 0 {
			_ = json.Unmarshal(data, &c.body)
		}
		c.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", r.Header.Get("X-Request-Id"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)

	cl, err := New(srv.URL+"/palisade", "tok", time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cl, c
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
		wantErr  bool
	}{
		{"http", "http://localhost:8080", false},
		{"https with path", "https://palisade.example/base", false},
		{"no scheme", "localhost:8080", true},
		{"ftp", "ftp://host", true},
		{"garbage", "http://[::1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.endpoint, "", 0)
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%q) err = %v, wantErr %v", tt.endpoint, err, tt.wantErr)
			}
		})
	}
}

func TestClient_WriteHeaders(t *testing.T) {
	t.Parallel()

	cl, c := fakeServer(t, http.StatusCreated, `{"proposal_id":"p1"}`)
	id, err := cl.Propose(context.Background(), "coord_1", json.RawMessage(`{"action":"rotate"}`))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if id != "p1" {
		t.Errorf("id = %q, want p1", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.method != http.MethodPost || c.path != "/palisade/api/v1/proposals" {
		t.Errorf("request = %s %s", c.method, c.path)
	}
	if got := c.header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
	if _, err := uuid.Parse(c.header.Get("X-Request-Id")); err != nil {
		t.Errorf("X-Request-Id %q is not a UUID: %v", c.header.Get("X-Request-Id"), err)
	}
	if c.body["proposer"] != "coord_1" {
		t.Errorf("body = %v", c.body)
	}
}

func TestClient_ReadsOmitRequestID(t *testing.T) {
	t.Parallel()

	cl, c := fakeServer(t, http.StatusOK, `{"nodes":[{"id":"a"}]}`)
	nodes, err := cl.Nodes(context.Background(), "lab")
	if err != nil {
		t.Fatalf("Nodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "a" {
		t.Errorf("nodes = %+v", nodes)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.header.Get("X-Request-Id") != "" {
		t.Error("GET carried a request ID")
	}
	if c.query["network"] != "lab" {
		t.Errorf("query = %v, want network=lab", c.query)
	}
}

func TestClient_Paths(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name     string
		call     func(*Client) error
		method   string
		path     string
		query    map[string]string
		response string
	}{
		{"vote", func(c *Client) error { _, err := c.Vote(ctx, "p1", "a", true, ""); return err },
			http.MethodPost, "/palisade/api/v1/proposals/p1/votes", nil, `{"state":"voting"}`},
		{"route", func(c *Client) error { _, err := c.Route(ctx, "", "a", "b"); return err },
			http.MethodGet, "/palisade/api/v1/network/route", map[string]string{"src": "a", "dst": "b"}, `{"path":["a","b"]}`},
		{"terminate", func(c *Client) error { return c.TerminateQuarantine(ctx, "q1") },
			http.MethodDelete, "/palisade/api/v1/quarantines/q1", nil, ``},
		{"list", func(c *Client) error { _, err := c.Quarantines(ctx, "agent_666"); return err },
			http.MethodGet, "/palisade/api/v1/quarantines", map[string]string{"target": "agent_666"}, `{"quarantines":[]}`},
		{"create", func(c *Client) error {
			_, err := c.CreateQuarantine(ctx, quarantine.Request{TargetAgent: "x", Level: quarantine.LevelHoneypot})
			return err
		}, http.MethodPost, "/palisade/api/v1/quarantines", nil, `{"id":"q1"}`},
		{"ledger", func(c *Client) error {
			_, err := c.Ledger(ctx, ledger.Query{Kind: events.KindQuarantineHealed, Since: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), Limit: 10})
			return err
		}, http.MethodGet, "/palisade/api/v1/ledger", map[string]string{"kind": "quarantine_healed", "since": "2026-05-01T00:00:00Z", "limit": "10"}, `{"events":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cl, c := fakeServer(t, http.StatusOK, tt.response)
			if err := tt.call(cl); err != nil {
				t.Fatalf("call: %v", err)
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.method != tt.method || c.path != tt.path {
				t.Errorf("request = %s %s, want %s %s", c.method, c.path, tt.method, tt.path)
			}
			for k, v := range tt.query {
				if c.query[k] != v {
					t.Errorf("query %s = %q, want %q", k, c.query[k], v)
				}
			}
		})
	}
}

func TestClient_CreateSendsLevelName(t *testing.T) {
	t.Parallel()

	cl, c := fakeServer(t, http.StatusCreated, `{"id":"q1"}`)
	res, err := cl.CreateQuarantine(context.Background(), quarantine.Request{TargetAgent: "x", Level: quarantine.LevelSandboxExecution})
	if err != nil {
		t.Fatalf("CreateQuarantine: %v", err)
	}
	if res.ID != "q1" {
		t.Errorf("ID = %q", res.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.body["isolation_level"] != "sandbox_execution" {
		t.Errorf("isolation_level = %v", c.body["isolation_level"])
	}
}

func TestClient_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		wantReason string
		wantMsg    string
	}{
		{"api error", http.StatusForbidden, `{"error":"node x has trust 0.100","reason":"insufficient_trust"}`, "insufficient_trust", "node x has trust 0.100"},
		{"plain text", http.StatusBadGateway, `upstream down`, "", "Bad Gateway"},
		{"empty", http.StatusServiceUnavailable, ``, "", "Service Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cl, _ := fakeServer(t, tt.status, tt.body)
			_, err := cl.Propose(context.Background(), "x", json.RawMessage(`{}`))
			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if apiErr.Status != tt.status || apiErr.Reason != tt.wantReason || apiErr.Message != tt.wantMsg {
				t.Errorf("err = %+v", apiErr)
			}
			if apiErr.RequestID == "" {
				t.Error("request ID not captured from the response")
			}
		})
	}
}

func TestClient_Stream(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	kinds := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kinds <- r.URL.Query().Get("kind")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, id := range []string{"e1", "e2"} {
			_ = conn.WriteJSON(map[string]any{"type": "event", "payload": events.Event{ID: id, Kind: events.KindQuarantineCreated}})
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	}))
	defer srv.Close()

	cl, err := New(srv.URL, "", time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var got []string
	err = cl.Stream(context.Background(), []events.Kind{events.KindQuarantineCreated, events.KindQuarantineFailed}, func(e events.Event) error {
		got = append(got, e.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(got) != 2 || got[0] != "e1" || got[1] != "e2" {
		t.Errorf("events = %v", got)
	}
	if gotKind := <-kinds; gotKind != "quarantine_created,quarantine_failed" {
		t.Errorf("kind filter = %q", gotKind)
	}
}
