package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "github.com/mattn/go-sqlite3"

	"github.com/moodrop/moodrop-core/internal/device"
	"github.com/moodrop/moodrop-core/internal/infrastructure/config"
	"github.com/moodrop/moodrop-core/internal/infrastructure/logging"
	"github.com/moodrop/moodrop-core/internal/inventory"
	"github.com/moodrop/moodrop-core/internal/job"
	"github.com/moodrop/moodrop-core/internal/orchestrator"
	"github.com/moodrop/moodrop-core/internal/slotmap"
)

const testSchema = `
	CREATE TABLE device_endpoints (
		device_id  TEXT PRIMARY KEY,
		host       TEXT NOT NULL DEFAULT '-',
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
	) STRICT;
	CREATE TABLE device_slots (
		device_id    TEXT NOT NULL,
		slot_id      INTEGER NOT NULL,
		name         TEXT,
		max_capacity REAL,
		created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		PRIMARY KEY (device_id, slot_id)
	) STRICT;
	CREATE TABLE slot_ingredients (
		device_id       TEXT NOT NULL,
		slot_id         INTEGER NOT NULL,
		ingredient_id   INTEGER NOT NULL,
		ingredient_name TEXT,
		updated_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		PRIMARY KEY (device_id, slot_id)
	) STRICT;
	CREATE TABLE device_stock (
		device_id  TEXT NOT NULL,
		slot_id    INTEGER NOT NULL,
		amount     REAL NOT NULL DEFAULT 0 CHECK (amount >= 0),
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		PRIMARY KEY (device_id, slot_id)
	) STRICT;
	CREATE TABLE ingredient_inventory (
		device_id     TEXT NOT NULL,
		ingredient_id INTEGER NOT NULL,
		amount        REAL NOT NULL DEFAULT 0 CHECK (amount >= 0),
		updated_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		PRIMARY KEY (device_id, ingredient_id)
	) STRICT;
	CREATE TABLE stock_ledger (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id     TEXT NOT NULL,
		ingredient_id INTEGER NOT NULL,
		slot_id       INTEGER NOT NULL,
		delta         REAL NOT NULL,
		reason        TEXT NOT NULL,
		created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
	) STRICT;
	CREATE TABLE mf_jobs (
		id           TEXT PRIMARY KEY,
		device_id    TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'CREATED',
		total_volume REAL NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		updated_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
	) STRICT;
	CREATE TABLE mf_recipe_lines (
		job_id          TEXT NOT NULL,
		line_no         INTEGER NOT NULL,
		slot_id         INTEGER NOT NULL,
		ingredient_id   INTEGER NOT NULL,
		ingredient_name TEXT,
		proportion      REAL NOT NULL CHECK (proportion > 0),
		PRIMARY KEY (job_id, line_no)
	) STRICT;
	CREATE TABLE job_logs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id  TEXT NOT NULL,
		job_id     TEXT,
		cmd        TEXT NOT NULL,
		event      TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
	) STRICT;
`

// recordingPublisher records published payloads so a test responder can
// acknowledge them the way a dispenser would.
type recordingPublisher struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (p *recordingPublisher) Publish(_ string, payload []byte, _ byte, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

type apiTestEnv struct {
	srv  *Server
	ts   *httptest.Server
	db   *sql.DB
	pub  *recordingPublisher
	orch *orchestrator.Orchestrator
}

func newAPITestEnv(t *testing.T, security config.SecurityConfig) *apiTestEnv {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if _, err := db.Exec(testSchema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	pub := &recordingPublisher{}
	orch := orchestrator.New(
		device.NewSQLiteRepository(db),
		slotmap.NewSQLiteRepository(db),
		inventory.NewSQLiteRepository(db),
		job.NewSQLiteRepository(db),
		pub,
		orchestrator.Options{CommandTimeout: 2 * time.Second, BlendTimeout: 2 * time.Second},
	)

	srv, err := New(Deps{
		Security:     security,
		Logger:       logging.Default(),
		Orchestrator: orch,
		Version:      "test",
	})
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}
	srv.Hub()

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	return &apiTestEnv{srv: srv, ts: ts, db: db, pub: pub, orch: orch}
}

// respondWith acknowledges the next published command with the given payload,
// simulating the dispenser side of the exchange.
func (e *apiTestEnv) respondWith(t *testing.T, deviceID string, ack []byte) {
	t.Helper()
	seen := e.pub.count()
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for e.pub.count() <= seen {
			if time.Now().After(deadline) {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
		e.orch.HandleInbound(deviceID, ack)
	}()
}

func (e *apiTestEnv) do(t *testing.T, method, path string, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	//nolint:errcheck // Some responses have no body
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHandleHealth(t *testing.T) {
	env := newAPITestEnv(t, config.SecurityConfig{})

	resp, body := env.do(t, http.MethodGet, "/api/v1/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("expected version test, got %v", body["version"])
	}
}

func TestHandleRefill_RoundTrip(t *testing.T) {
	env := newAPITestEnv(t, config.SecurityConfig{})

	env.respondWith(t, "d1", []byte(`{"CMD":"check_response","data":{"status":"ok"}}`))

	resp, body := env.do(t, http.MethodPut, "/api/v1/devices/d1/ingredients/settings",
		`{"ingredients":[{"slotId":1,"ingredientId":7,"name":"bergamot","amount":5.0}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}

	ingredients, ok := body["ingredients"].([]any)
	if !ok || len(ingredients) != 1 {
		t.Fatalf("expected one ingredient snapshot, got %v", body["ingredients"])
	}
	first, _ := ingredients[0].(map[string]any)
	if first["ingredientId"] != float64(7) {
		t.Errorf("expected ingredientId 7, got %v", first["ingredientId"])
	}
	if first["amount"] != 5.0 {
		t.Errorf("expected amount 5.0, got %v", first["amount"])
	}
}

func TestHandleRefill_BadRequests(t *testing.T) {
	env := newAPITestEnv(t, config.SecurityConfig{})

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"empty ingredients", `{"ingredients":[]}`},
		{"non-positive amount", `{"ingredients":[{"slotId":1,"ingredientId":7,"amount":0}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := env.do(t, http.MethodPut, "/api/v1/devices/d1/ingredients/settings", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
	if env.pub.count() != 0 {
		t.Errorf("expected no publishes for rejected requests, got %d", env.pub.count())
	}
}

func TestHandleCreateBlend_ValidationError(t *testing.T) {
	env := newAPITestEnv(t, config.SecurityConfig{})

	// No slot mapping exists for ingredient 99, so line resolution fails.
	resp, body := env.do(t, http.MethodPost, "/api/v1/devices/d1/manufacturing/jobs",
		`{"items":[{"ingredientId":99,"proportion":50}]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%v)", resp.StatusCode, body)
	}
	if body["code"] != ErrCodeValidation {
		t.Errorf("expected validation_error code, got %v", body["code"])
	}
}

func TestHandleDeviceStatus(t *testing.T) {
	env := newAPITestEnv(t, config.SecurityConfig{})

	resp, body := env.do(t, http.MethodGet, "/api/v1/devices/ghost/status", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown device, got %d", resp.StatusCode)
	}
	if body["code"] != ErrCodeNotFound {
		t.Errorf("expected not_found code, got %v", body["code"])
	}

	if err := device.NewSQLiteRepository(env.db).EnsureExists(context.Background(), "d1"); err != nil {
		t.Fatalf("seeding device: %v", err)
	}

	resp, body = env.do(t, http.MethodGet, "/api/v1/devices/d1/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["deviceId"] != "d1" {
		t.Errorf("expected deviceId d1, got %v", body["deviceId"])
	}
	if body["operational"] != true {
		t.Errorf("expected operational true, got %v", body["operational"])
	}
}

func TestHandleLocalInventory(t *testing.T) {
	env := newAPITestEnv(t, config.SecurityConfig{})
	ctx := context.Background()

	slots := slotmap.NewSQLiteRepository(env.db)
	if err := slots.EnsureSlot(ctx, "d1", 2, "rose", 30); err != nil {
		t.Fatalf("seeding slot: %v", err)
	}
	if err := slots.UpsertMapping(ctx, slotmap.Mapping{
		DeviceID: "d1", SlotID: 2, IngredientID: 11, IngredientName: "rose",
	}); err != nil {
		t.Fatalf("seeding mapping: %v", err)
	}

	resp, body := env.do(t, http.MethodGet, "/api/v1/devices/d1/ingredients/local", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	views, ok := body["slots"].([]any)
	if !ok || len(views) != 1 {
		t.Fatalf("expected one slot, got %v", body["slots"])
	}
	first, _ := views[0].(map[string]any)
	if first["slotId"] != float64(2) {
		t.Errorf("expected slotId 2, got %v", first["slotId"])
	}
	if first["ingredientName"] != "rose" {
		t.Errorf("expected ingredientName rose, got %v", first["ingredientName"])
	}
	if first["maxCapacity"] != float64(30) {
		t.Errorf("expected maxCapacity 30, got %v", first["maxCapacity"])
	}
}

func TestHandleDeviceStats_Empty(t *testing.T) {
	env := newAPITestEnv(t, config.SecurityConfig{})

	resp, body := env.do(t, http.MethodGet, "/api/v1/devices/d1/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["totalJobs"] != float64(0) {
		t.Errorf("expected totalJobs 0, got %v", body["totalJobs"])
	}
	if body["successRate"] != float64(0) {
		t.Errorf("expected successRate 0, got %v", body["successRate"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	env := newAPITestEnv(t, config.SecurityConfig{
		JWT: config.JWTConfig{Enabled: true, Secret: secret},
	})

	// Health is outside the protected group.
	resp, _ := env.do(t, http.MethodGet, "/api/v1/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected health to bypass auth, got %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodGet, "/api/v1/devices/d1/stats", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if body["code"] != ErrCodeUnauthorized {
		t.Errorf("expected unauthorised code, got %v", body["code"])
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, env.ts.URL+"/api/v1/devices/d1/stats", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	authed, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("authed request: %v", err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", authed.StatusCode)
	}

	// A token signed with the wrong secret is rejected.
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("another-secret-another-secret-xx"))
	if err != nil {
		t.Fatalf("signing forged token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+forged)
	rejected, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("forged request: %v", err)
	}
	rejected.Body.Close()
	if rejected.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with forged token, got %d", rejected.StatusCode)
	}
}

func TestHubJobFinished(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Default())

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, 4),
		subscriptions: map[string]struct{}{WSChannelJobFinished: {}},
	}
	hub.Register(client)
	defer hub.Unregister(client)

	unsubscribed := &WSClient{
		hub:           hub,
		send:          make(chan []byte, 4),
		subscriptions: map[string]struct{}{},
	}
	hub.Register(unsubscribed)
	defer hub.Unregister(unsubscribed)

	hub.JobFinished("d1", "mfj-abc", job.StatusCompleted)

	select {
	case data := <-client.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decoding broadcast: %v", err)
		}
		if msg.Type != WSTypeEvent {
			t.Errorf("expected event type, got %s", msg.Type)
		}
		if msg.EventType != WSChannelJobFinished {
			t.Errorf("expected channel %s, got %s", WSChannelJobFinished, msg.EventType)
		}
		payload, _ := msg.Payload.(map[string]any)
		if payload["job_id"] != "mfj-abc" || payload["status"] != "COMPLETED" {
			t.Errorf("unexpected payload: %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribed client received nothing")
	}

	select {
	case data := <-unsubscribed.send:
		t.Fatalf("unsubscribed client received %s", data)
	default:
	}
}

func TestWriteCommandError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", fmt.Errorf("bad input: %w", orchestrator.ErrValidation), http.StatusBadRequest, ErrCodeValidation},
		{"not found", fmt.Errorf("device: %w", orchestrator.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"in flight", fmt.Errorf("busy: %w", orchestrator.ErrOperationInFlight), http.StatusConflict, ErrCodeBusy},
		{"conflict", fmt.Errorf("slot: %w", orchestrator.ErrConflict), http.StatusConflict, ErrCodeConflict},
		{"insufficient stock", fmt.Errorf("slot 2: %w", inventory.ErrInsufficientStock), http.StatusConflict, ErrCodeConflict},
		{"timeout", fmt.Errorf("ack: %w", orchestrator.ErrTimeout), http.StatusGatewayTimeout, ErrCodeDeviceTimeout},
		{"publish failed", fmt.Errorf("mqtt: %w", orchestrator.ErrPublishFailed), http.StatusBadGateway, ErrCodePublishFailed},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeCommandError(rec, tt.err)
			if rec.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.code) {
				t.Errorf("expected code %s in body %s", tt.code, rec.Body.String())
			}
		})
	}
}
