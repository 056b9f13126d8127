package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/moodrop/moodrop-core/internal/command"
	"github.com/moodrop/moodrop-core/internal/device"
	"github.com/moodrop/moodrop-core/internal/inventory"
	"github.com/moodrop/moodrop-core/internal/job"
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

// fakePublisher records published payloads and can be told to fail.
type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	failWith error
}

func (p *fakePublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func (p *fakePublisher) last() (string, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.payloads) == 0 {
		return "", nil
	}
	return p.topics[len(p.topics)-1], p.payloads[len(p.payloads)-1]
}

// fakeNotifier records completion notifications.
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) JobFinished(deviceID, jobID string, status job.Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, deviceID+"/"+jobID+"/"+string(status))
}

type testEnv struct {
	orch     *Orchestrator
	db       *sql.DB
	pub      *fakePublisher
	notifier *fakeNotifier
	stock    inventory.Repository
	slots    slotmap.Repository
	jobs     job.Repository
}

func setupTestEnv(t *testing.T, opts Options) *testEnv {
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

	env := &testEnv{
		db:       db,
		pub:      &fakePublisher{},
		notifier: &fakeNotifier{},
		stock:    inventory.NewSQLiteRepository(db),
		slots:    slotmap.NewSQLiteRepository(db),
		jobs:     job.NewSQLiteRepository(db),
	}
	env.orch = New(device.NewSQLiteRepository(db), env.slots, env.stock, env.jobs, env.pub, opts)
	env.orch.SetNotifier(env.notifier)
	return env
}

// waitForPublish blocks until n payloads have been published.
func (e *testEnv) waitForPublish(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.pub.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d publishes, got %d", n, e.pub.count())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (e *testEnv) logEvents(t *testing.T, deviceID, cmd string) []string {
	t.Helper()
	rows, err := e.db.Query("SELECT event FROM job_logs WHERE device_id = ? AND cmd = ? ORDER BY id", deviceID, cmd)
	if err != nil {
		t.Fatalf("querying log events: %v", err)
	}
	defer rows.Close()

	var events []string
	for rows.Next() {
		var ev string
		if err := rows.Scan(&ev); err != nil {
			t.Fatalf("scanning log event: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func TestRefill_Success(t *testing.T) {
	env := setupTestEnv(t, Options{})
	ctx := context.Background()

	type result struct {
		snapshot []IngredientSnapshot
		err      error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := env.orch.Refill(ctx, "d1", []RefillItem{
			{SlotID: 1, IngredientID: 7, Name: "bergamot", Amount: 5.0},
		})
		done <- result{snap, err}
	}()

	env.waitForPublish(t, 1)
	topic, payload := env.pub.last()
	if topic != "moodrop/device/d1/command" {
		t.Errorf("published to %q, want moodrop/device/d1/command", topic)
	}
	var wire struct {
		CMD  string `json:"CMD"`
		Data []struct {
			SlotID   int64   `json:"SlotId"`
			Capacity float64 `json:"capacity"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		t.Fatalf("unmarshaling published payload: %v", err)
	}
	if wire.CMD != "update" || len(wire.Data) != 1 || wire.Data[0].Capacity != 5.0 {
		t.Errorf("published payload = %s", payload)
	}

	env.orch.HandleInbound("d1", []byte(`{"CMD":"check_response","data":{"status":"ok"}}`))

	res := <-done
	if res.err != nil {
		t.Fatalf("Refill() error = %v", res.err)
	}
	if len(res.snapshot) != 1 || res.snapshot[0].IngredientID != 7 || res.snapshot[0].Amount != 5.0 {
		t.Errorf("snapshot = %+v, want ingredient 7 with 5.0", res.snapshot)
	}

	// Eager bookkeeping: stock, aggregate and one positive ledger row.
	stock, _ := env.stock.SlotStock(ctx, "d1", 1)
	if stock != 5.0 {
		t.Errorf("slot stock = %v, want 5.0", stock)
	}
	sum, _ := env.stock.SumDeltas(ctx, "d1", 7)
	if sum != 5.0 {
		t.Errorf("ledger sum = %v, want 5.0", sum)
	}

	events := env.logEvents(t, "d1", "update")
	if len(events) != 1 || events[0] != job.EventAcked {
		t.Errorf("log events = %v, want [ACKED]", events)
	}
}

func TestRefill_Validation(t *testing.T) {
	env := setupTestEnv(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name  string
		items []RefillItem
	}{
		{"no items", nil},
		{"zero amount", []RefillItem{{SlotID: 1, IngredientID: 7}}},
		{"no slot or ingredient", []RefillItem{{Amount: 5.0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.orch.Refill(ctx, "d1", tt.items)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("Refill() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestRefill_AdmissionExclusive(t *testing.T) {
	env := setupTestEnv(t, Options{})

	// Occupy the (device, update) key.
	if _, ok := env.orch.pending.register("d1", command.KindUpdate); !ok {
		t.Fatal("failed to occupy pending key")
	}

	_, err := env.orch.Refill(context.Background(), "d1", []RefillItem{
		{SlotID: 1, IngredientID: 7, Amount: 5.0},
	})
	if !errors.Is(err, ErrOperationInFlight) {
		t.Errorf("Refill() error = %v, want ErrOperationInFlight", err)
	}

	// A different device is unaffected.
	if _, ok := env.orch.pending.register("d2", command.KindUpdate); !ok {
		t.Error("pending key for another device was blocked")
	}
}

func TestRefill_ConflictOccupiedSlot(t *testing.T) {
	env := setupTestEnv(t, Options{})
	ctx := context.Background()

	// Slot 1 holds ingredient 9 with stock remaining.
	if err := env.slots.EnsureSlot(ctx, "d1", 1, "slot-1", 0); err != nil {
		t.Fatal(err)
	}
	if err := env.slots.UpsertMapping(ctx, slotmap.Mapping{DeviceID: "d1", SlotID: 1, IngredientID: 9}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.stock.Add(ctx, "d1", 9, 1, 3.0, inventory.ReasonRefill); err != nil {
		t.Fatal(err)
	}

	_, err := env.orch.Refill(ctx, "d1", []RefillItem{{SlotID: 1, IngredientID: 7, Amount: 5.0}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Refill() error = %v, want ErrConflict", err)
	}

	// The pending slot is released so callers can retry.
	if _, ok := env.orch.pending.register("d1", command.KindUpdate); !ok {
		t.Error("pending key still occupied after conflict")
	}
	// Nothing was published or consumed.
	if env.pub.count() != 0 {
		t.Errorf("published %d commands, want 0", env.pub.count())
	}
}

func TestRefill_ConflictLeavesBatchUnapplied(t *testing.T) {
	env := setupTestEnv(t, Options{})
	ctx := context.Background()

	// Slot 2 holds ingredient 9 with stock remaining; slot 1 is free.
	if err := env.slots.EnsureSlot(ctx, "d1", 2, "slot-2", 0); err != nil {
		t.Fatal(err)
	}
	if err := env.slots.UpsertMapping(ctx, slotmap.Mapping{DeviceID: "d1", SlotID: 2, IngredientID: 9}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.stock.Add(ctx, "d1", 9, 2, 3.0, inventory.ReasonRefill); err != nil {
		t.Fatal(err)
	}

	// Item 1 would be accepted on its own; item 2 conflicts. The whole
	// batch must be rejected with nothing credited and nothing sent.
	_, err := env.orch.Refill(ctx, "d1", []RefillItem{
		{SlotID: 1, IngredientID: 7, Name: "bergamot", Amount: 5.0},
		{SlotID: 2, IngredientID: 7, Name: "bergamot", Amount: 5.0},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Refill() error = %v, want ErrConflict", err)
	}

	if env.pub.count() != 0 {
		t.Errorf("published %d commands, want 0", env.pub.count())
	}
	stock, _ := env.stock.SlotStock(ctx, "d1", 1)
	if stock != 0 {
		t.Errorf("slot 1 stock = %v, want 0 after rejected batch", stock)
	}
	sum, _ := env.stock.SumDeltas(ctx, "d1", 7)
	if sum != 0 {
		t.Errorf("ledger sum for ingredient 7 = %v, want 0", sum)
	}
	// Slot 1 was not claimed either.
	if _, err := env.slots.MappingBySlot(ctx, "d1", 1); !errors.Is(err, slotmap.ErrNotFound) {
		t.Errorf("MappingBySlot(1) error = %v, want ErrNotFound", err)
	}
}

func TestRefill_RemapsDrainedSlot(t *testing.T) {
	env := setupTestEnv(t, Options{})
	ctx := context.Background()

	// Slot 1 mapped to ingredient 9 but empty: refilling with 7 remaps.
	if err := env.slots.EnsureSlot(ctx, "d1", 1, "slot-1", 0); err != nil {
		t.Fatal(err)
	}
	if err := env.slots.UpsertMapping(ctx, slotmap.Mapping{DeviceID: "d1", SlotID: 1, IngredientID: 9}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.orch.Refill(ctx, "d1", []RefillItem{{SlotID: 1, IngredientID: 7, Name: "bergamot", Amount: 5.0}})
		done <- err
	}()

	env.waitForPublish(t, 1)
	env.orch.HandleInbound("d1", []byte(`{"CMD":"check_response","data":{"status":"ok"}}`))
	if err := <-done; err != nil {
		t.Fatalf("Refill() error = %v", err)
	}

	m, err := env.slots.MappingBySlot(ctx, "d1", 1)
	if err != nil {
		t.Fatalf("MappingBySlot() error = %v", err)
	}
	if m.IngredientID != 7 {
		t.Errorf("slot 1 mapped to %d, want 7", m.IngredientID)
	}
}

func TestRefill_CapsAtSlotCapacity(t *testing.T) {
	env := setupTestEnv(t, Options{})
	ctx := context.Background()

	// Slot 1: 30ml capacity, 28ml present.
	if err := env.slots.EnsureSlot(ctx, "d1", 1, "slot-1", 30.0); err != nil {
		t.Fatal(err)
	}
	if err := env.slots.UpsertMapping(ctx, slotmap.Mapping{DeviceID: "d1", SlotID: 1, IngredientID: 7}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.stock.Add(ctx, "d1", 7, 1, 28.0, inventory.ReasonRefill); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.orch.Refill(ctx, "d1", []RefillItem{{SlotID: 1, IngredientID: 7, Amount: 5.0}})
		done <- err
	}()

	env.waitForPublish(t, 1)
	_, payload := env.pub.last()
	if !strings.Contains(string(payload), `"capacity":2`) {
		t.Errorf("published payload = %s, want accepted capacity 2", payload)
	}

	env.orch.HandleInbound("d1", []byte(`{"CMD":"check_response","data":{"status":"ok"}}`))
	if err := <-done; err != nil {
		t.Fatalf("Refill() error = %v", err)
	}

	stock, _ := env.stock.SlotStock(ctx, "d1", 1)
	if stock != 30.0 {
		t.Errorf("slot stock = %v, want 30.0", stock)
	}
}

func TestRefill_FullSlotIsConflict(t *testing.T) {
	env := setupTestEnv(t, Options{})
	ctx := context.Background()

	if err := env.slots.EnsureSlot(ctx, "d1", 1, "slot-1", 30.0); err != nil {
		t.Fatal(err)
	}
	if err := env.slots.UpsertMapping(ctx, slotmap.Mapping{DeviceID: "d1", SlotID: 1, IngredientID: 7}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.stock.Add(ctx, "d1", 7, 1, 30.0, inventory.ReasonRefill); err != nil {
		t.Fatal(err)
	}

	_, err := env.orch.Refill(ctx, "d1", []RefillItem{{SlotID: 1, IngredientID: 7, Amount: 5.0}})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Refill() error = %v, want ErrConflict", err)
	}
}

func TestRefill_Timeout(t *testing.T) {
	env := setupTestEnv(t, Options{CommandTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := env.orch.Refill(ctx, "d1", []RefillItem{{SlotID: 1, IngredientID: 7, Amount: 5.0}})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Refill() error = %v, want ErrTimeout", err)
	}

	// Eager stock mutation is retained, the log records the timeout.
	stock, _ := env.stock.SlotStock(ctx, "d1", 1)
	if stock != 5.0 {
		t.Errorf("slot stock = %v, want 5.0 retained after timeout", stock)
	}
	events := env.logEvents(t, "d1", "update")
	if len(events) != 1 || events[0] != job.EventTimeout {
		t.Errorf("log events = %v, want [TIMEOUT]", events)
	}

	// A late ack is a safe no-op.
	env.orch.HandleInbound("d1", []byte(`{"CMD":"check_response","data":{"status":"ok"}}`))
}

func TestRefill_PublishFailed(t *testing.T) {
	env := setupTestEnv(t, Options{})
	env.pub.failWith = errors.New("broker unavailable")

	_, err := env.orch.Refill(context.Background(), "d1", []RefillItem{{SlotID: 1, IngredientID: 7, Amount: 5.0}})
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("Refill() error = %v, want ErrPublishFailed", err)
	}

	events := env.logEvents(t, "d1", "update")
	if len(events) != 1 || events[0] != job.EventPublishFailed {
		t.Errorf("log events = %v, want [PUBLISH_FAILED]", events)
	}
	// The pending slot is released immediately, no timeout wait.
	if _, ok := env.orch.pending.register("d1", command.KindUpdate); !ok {
		t.Error("pending key still occupied after publish failure")
	}
}

func TestCheckInventory_ReconcilesStock(t *testing.T) {
	env := setupTestEnv(t, Options{})
	ctx := context.Background()

	type result struct {
		snapshot []SlotSnapshot
		err      error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := env.orch.CheckInventory(ctx, "d1")
		done <- result{snap, err}
	}()

	env.waitForPublish(t, 1)
	_, payload := env.pub.last()
	if string(payload) != `{"CMD":"check"}` {
		t.Errorf("published payload = %s, want bare check", payload)
	}

	env.orch.HandleInbound("d1", []byte(`{"CMD":"check","data":[
		{"slotId":1,"ingredientId":7,"name":"bergamot","currentAmount":4.5},
		{"slotId":2,"ingredientId":9,"name":"cedar","currentAmount":0.5}
	]}`))

	res := <-done
	if res.err != nil {
		t.Fatalf("CheckInventory() error = %v", res.err)
	}
	if len(res.snapshot) != 2 {
		t.Fatalf("snapshot = %+v, want 2 slots", res.snapshot)
	}

	// Local stock was overwritten with the reported amounts.
	stock, _ := env.stock.SlotStock(ctx, "d1", 1)
	if stock != 4.5 {
		t.Errorf("slot 1 stock = %v, want 4.5", stock)
	}
	// Reconciliation bypasses the ledger.
	sum, _ := env.stock.SumDeltas(ctx, "d1", 7)
	if sum != 0 {
		t.Errorf("ledger sum = %v, want 0", sum)
	}
}

func TestConnect(t *testing.T) {
	env := setupTestEnv(t, Options{})

	type result struct {
		res ConnectResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := env.orch.Connect(context.Background(), "d1")
		done <- result{res, err}
	}()

	env.waitForPublish(t, 1)
	env.orch.HandleInbound("d1", []byte(`{"CMD":"connect"}`))

	res := <-done
	if res.err != nil {
		t.Fatalf("Connect() error = %v", res.err)
	}
	if res.res.Status != "connected" || res.res.DeviceID != "d1" {
		t.Errorf("Connect() = %+v, want connected d1", res.res)
	}
}

func TestStatus(t *testing.T) {
	env := setupTestEnv(t, Options{})
	ctx := context.Background()

	if _, err := env.orch.Status(ctx, "d-unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Status(unknown) error = %v, want ErrNotFound", err)
	}

	if err := device.NewSQLiteRepository(env.db).EnsureExists(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	j, err := env.jobs.Create(ctx, "d1", 2.0, []job.RecipeLine{{SlotID: 1, IngredientID: 7, Proportion: 100}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.jobs.AppendLog(ctx, job.LogEntry{DeviceID: "d1", JobID: j.ID, Cmd: "manufacture", Event: job.EventRequested}); err != nil {
		t.Fatal(err)
	}

	st, err := env.orch.Status(ctx, "d1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.Operational || st.CurrentJobID != j.ID || st.LastActivity.IsZero() {
		t.Errorf("Status() = %+v, want operational with current job %s", st, j.ID)
	}
}

func TestCheckLocal(t *testing.T) {
	env := setupTestEnv(t, Options{})
	ctx := context.Background()

	if err := env.slots.EnsureSlot(ctx, "d1", 1, "slot-1", 30.0); err != nil {
		t.Fatal(err)
	}
	if err := env.slots.UpsertMapping(ctx, slotmap.Mapping{DeviceID: "d1", SlotID: 1, IngredientID: 7, IngredientName: "bergamot"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.stock.Add(ctx, "d1", 7, 1, 4.0, inventory.ReasonRefill); err != nil {
		t.Fatal(err)
	}

	views, err := env.orch.CheckLocal(ctx, "d1")
	if err != nil {
		t.Fatalf("CheckLocal() error = %v", err)
	}
	if len(views) != 1 || views[0].Amount != 4.0 || views[0].IngredientName != "bergamot" {
		t.Errorf("CheckLocal() = %+v, want one bergamot slot with 4.0", views)
	}
	// No device round trip.
	if env.pub.count() != 0 {
		t.Errorf("published %d commands, want 0", env.pub.count())
	}
}
