// Package main tests for desktop server routing and event streaming.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dukanx/backend/internal/app"
	"github.com/dukanx/backend/internal/config"
)

type testEnv struct {
	srv *httptest.Server
	hub *WSHub
	app *app.App
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Sync.AutoStart = false

	a, err := app.Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	hub := NewWSHub()
	events, unsubscribe := a.Manager.Subscribe(0)
	go hub.Forward(events)

	srv := httptest.NewServer(newServer(a, hub))
	t.Cleanup(func() {
		srv.Close()
		unsubscribe()
		hub.Close()
		a.Close()
	})
	return &testEnv{srv: srv, hub: hub, app: a}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// A pong proves the client is registered with the hub.
	if err := conn.WriteJSON(map[string]string{"action": "ping"}); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if got := readJSON(t, conn); got["action"] != "pong" {
		t.Fatalf("expected pong, got %v", got)
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_Health(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["version"] != Version {
		t.Errorf("unexpected body %v", body)
	}

	resp2, err := http.Get(env.srv.URL + "/api/sync/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("sync health status = %d, want 200", resp2.StatusCode)
	}
}

func TestServer_StreamsSyncEvents(t *testing.T) {
	env := setupTestEnv(t)
	conn := env.dial(t)

	post(t, env.srv.URL+"/api/sync/queue",
		`{"operation_type":"create","target_collection":"customers","document_id":"c-1","payload":{"name":"Asha"},"local_version":1}`)
	if resp := post(t, env.srv.URL+"/api/sync/force", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("force status = %d", resp.StatusCode)
	}

	msg := readJSON(t, conn)
	if msg["type"] != "sync.synced" {
		t.Fatalf("type = %v, want sync.synced", msg["type"])
	}
	data, _ := msg["data"].(map[string]interface{})
	if data["document_id"] != "c-1" || data["state"] != "SYNCED" {
		t.Errorf("unexpected event data %v", data)
	}
}

func TestServer_SubscriptionFilter(t *testing.T) {
	env := setupTestEnv(t)
	conn := env.dial(t)

	conn.WriteJSON(map[string]interface{}{"action": "subscribe", "events": []string{"sync.requeued"}})
	if ack := readJSON(t, conn); ack["action"] != "subscribe_ack" {
		t.Fatalf("expected subscribe_ack, got %v", ack)
	}

	env.hub.Broadcast("sync.synced", map[string]string{"document_id": "skipped"})
	env.hub.Broadcast("sync.requeued", map[string]string{"document_id": "wanted"})

	msg := readJSON(t, conn)
	if msg["type"] != "sync.requeued" {
		t.Errorf("filtered client received %v", msg["type"])
	}
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:8090", true},
		{"http://[::1]:8090", true},
		{"https://evil.example", false},
		{"::bad", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := localOrigin(r); got != tt.want {
			t.Errorf("localOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestWSHub_CloseDisconnectsClients(t *testing.T) {
	env := setupTestEnv(t)
	conn := env.dial(t)
	if n := env.hub.ClientCount(); n != 1 {
		t.Fatalf("ClientCount = %d, want 1", n)
	}

	env.hub.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close")
	}
}
