package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/moodrop/moodrop-core/internal/command"
	"github.com/moodrop/moodrop-core/internal/device"
	"github.com/moodrop/moodrop-core/internal/infrastructure/mqtt"
	"github.com/moodrop/moodrop-core/internal/inventory"
	"github.com/moodrop/moodrop-core/internal/job"
	"github.com/moodrop/moodrop-core/internal/slotmap"
)

// Logger defines the logging interface used by the Orchestrator.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Publisher sends a payload to a topic. Satisfied by the MQTT client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Notifier receives blend completion events for external delivery, for
// example over websockets.
type Notifier interface {
	JobFinished(deviceID, jobID string, status job.Status)
}

type noopNotifier struct{}

func (noopNotifier) JobFinished(string, string, job.Status) {}

// Telemetry receives stock movements and job transitions for metrics
// storage. Best-effort; failures never affect the primary operation.
type Telemetry interface {
	WriteStockDelta(deviceID string, ingredientID, slotID int64, delta float64, reason string)
	WriteJobTransition(deviceID, jobID, status string)
}

type noopTelemetry struct{}

func (noopTelemetry) WriteStockDelta(string, int64, int64, float64, string) {}
func (noopTelemetry) WriteJobTransition(string, string, string)             {}

// Options tunes the orchestrator's timeouts and defaults.
type Options struct {
	// CommandTimeout bounds refill, check and connect exchanges.
	CommandTimeout time.Duration

	// BlendTimeout bounds manufacture exchanges end to end.
	BlendTimeout time.Duration

	// DefaultBlendVolume is used when a blend request does not specify a
	// total volume, in ml.
	DefaultBlendVolume float64
}

const (
	defaultCommandTimeout = 30 * time.Second
	defaultBlendTimeout   = 60 * time.Second
	defaultBlendVolume    = 2.0
)

// Orchestrator is the per-device command state machine. All public
// methods are safe for concurrent use; admission serializes same-kind
// commands per device while different devices proceed independently.
type Orchestrator struct {
	devices   device.Repository
	slots     slotmap.Repository
	stock     inventory.Repository
	jobs      job.Repository
	publisher Publisher
	pending   *pendingTable
	opts      Options

	notifier  Notifier
	telemetry Telemetry
	logger    Logger
}

// New creates an Orchestrator. Zero Options fields fall back to the
// standard timeouts (30s commands, 60s blends) and a 2.0ml blend volume.
func New(devices device.Repository, slots slotmap.Repository, stock inventory.Repository, jobs job.Repository, publisher Publisher, opts Options) *Orchestrator {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.BlendTimeout <= 0 {
		opts.BlendTimeout = defaultBlendTimeout
	}
	if opts.DefaultBlendVolume <= 0 {
		opts.DefaultBlendVolume = defaultBlendVolume
	}
	return &Orchestrator{
		devices:   devices,
		slots:     slots,
		stock:     stock,
		jobs:      jobs,
		publisher: publisher,
		pending:   newPendingTable(),
		opts:      opts,
		notifier:  noopNotifier{},
		telemetry: noopTelemetry{},
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the orchestrator.
func (o *Orchestrator) SetLogger(logger Logger) {
	o.logger = logger
}

// SetNotifier sets the completion notifier.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// SetTelemetry sets the telemetry sink.
func (o *Orchestrator) SetTelemetry(t Telemetry) {
	o.telemetry = t
}

// Refill tops up slots and waits for the device to acknowledge. Stock is
// credited eagerly before publishing; a timeout does not roll it back.
func (o *Orchestrator) Refill(ctx context.Context, deviceID string, items []RefillItem) ([]IngredientSnapshot, error) {
	if deviceID == "" || len(items) == 0 {
		return nil, fmt.Errorf("%w: device id and items required", ErrValidation)
	}
	for _, it := range items {
		if it.Amount <= 0 {
			return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
		}
		if it.SlotID == 0 && it.IngredientID == 0 {
			return nil, fmt.Errorf("%w: slotId or ingredientId required", ErrValidation)
		}
	}

	if err := o.devices.EnsureExists(ctx, deviceID); err != nil {
		return nil, err
	}

	entry, ok := o.pending.register(deviceID, command.KindUpdate)
	if !ok {
		return nil, fmt.Errorf("%w: refill pending for device %s", ErrOperationInFlight, deviceID)
	}

	toSend, ingredientIDs, err := o.applyRefill(ctx, deviceID, items)
	if err != nil {
		o.pending.remove(entry)
		return nil, err
	}
	o.pending.bind(entry, func(e *pendingEntry) { e.refillIngredients = ingredientIDs })

	o.appendLog(ctx, job.LogEntry{
		DeviceID: deviceID,
		Cmd:      command.KindUpdate,
		Event:    job.EventRequested,
		Detail:   fmt.Sprintf("items=%d", len(toSend)),
	})

	cmd, err := command.NewUpdate(toSend)
	if err != nil {
		o.pending.remove(entry)
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := o.publish(deviceID, cmd); err != nil {
		o.pending.remove(entry)
		o.promoteLog(ctx, deviceID, command.KindUpdate, job.EventPublishFailed, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	o.armTimeout(entry, o.opts.CommandTimeout, func() {
		o.promoteLog(context.Background(), deviceID, command.KindUpdate, job.EventTimeout,
			fmt.Sprintf("no ack within %s", o.opts.CommandTimeout))
	})

	res, err := o.await(ctx, entry)
	if err != nil {
		return nil, err
	}
	return res.([]IngredientSnapshot), nil
}

// refillPlan is one classified refill item, ready to apply.
type refillPlan struct {
	slotID       int64
	ingredientID int64
	name         string
	accepted     float64
	remap        bool
}

// applyRefill classifies every item against the slot's current contents
// before writing anything, so a rejected request leaves no trace. Only
// when the whole batch is conflict-free are the mappings and stock
// credits applied. Returns the wire items and the ingredient ids touched,
// for the acknowledgement snapshot.
func (o *Orchestrator) applyRefill(ctx context.Context, deviceID string, items []RefillItem) ([]command.UpdateItem, []int64, error) {
	var (
		plans     []refillPlan
		conflicts []string
	)

	for _, it := range items {
		slotID, ingredientID, err := o.resolveItem(ctx, deviceID, it.SlotID, it.IngredientID)
		if err != nil {
			return nil, nil, err
		}

		p := refillPlan{slotID: slotID, ingredientID: ingredientID, name: it.Name}

		mapping, err := o.slots.MappingBySlot(ctx, deviceID, slotID)
		switch {
		case errors.Is(err, slotmap.ErrNotFound):
			// Empty slot: claim it for this ingredient.
			p.remap = true

		case err != nil:
			return nil, nil, err

		case mapping.IngredientID != ingredientID:
			cur, err := o.stock.SlotStock(ctx, deviceID, slotID)
			if err != nil {
				return nil, nil, err
			}
			if cur > 0 {
				conflicts = append(conflicts, fmt.Sprintf("slot %d holds ingredient %d (%.1fml)", slotID, mapping.IngredientID, cur))
				continue
			}
			// Drained slot: remap it.
			p.remap = true
		}

		p.accepted, err = o.cappedAmount(ctx, deviceID, slotID, it.Amount)
		if err != nil {
			return nil, nil, err
		}
		if p.accepted <= 0 {
			conflicts = append(conflicts, fmt.Sprintf("slot %d full", slotID))
			continue
		}
		plans = append(plans, p)
	}

	if len(conflicts) > 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrConflict, strings.Join(conflicts, "; "))
	}

	toSend := make([]command.UpdateItem, 0, len(plans))
	ingredientIDs := make([]int64, 0, len(plans))
	for _, p := range plans {
		if err := o.slots.EnsureSlot(ctx, deviceID, p.slotID, p.name, 0); err != nil {
			return nil, nil, err
		}
		if p.remap {
			if err := o.slots.UpsertMapping(ctx, slotmap.Mapping{
				DeviceID: deviceID, SlotID: p.slotID,
				IngredientID: p.ingredientID, IngredientName: p.name,
			}); err != nil {
				return nil, nil, err
			}
		}
		if _, err := o.stock.Add(ctx, deviceID, p.ingredientID, p.slotID, p.accepted, inventory.ReasonRefill); err != nil {
			return nil, nil, err
		}
		o.telemetry.WriteStockDelta(deviceID, p.ingredientID, p.slotID, p.accepted, inventory.ReasonRefill)

		toSend = append(toSend, command.UpdateItem{SlotID: p.slotID, Capacity: p.accepted})
		ingredientIDs = append(ingredientIDs, p.ingredientID)
	}
	return toSend, ingredientIDs, nil
}

// cappedAmount limits a top-up to the slot's remaining headroom. A zero
// max capacity means unlimited.
func (o *Orchestrator) cappedAmount(ctx context.Context, deviceID string, slotID int64, amount float64) (float64, error) {
	maxCap, err := o.slots.MaxCapacity(ctx, deviceID, slotID)
	if err != nil && !errors.Is(err, slotmap.ErrNotFound) {
		return 0, err
	}
	if maxCap <= 0 {
		return amount, nil
	}

	cur, err := o.stock.SlotStock(ctx, deviceID, slotID)
	if err != nil {
		return 0, err
	}
	if cur+amount > maxCap {
		return maxCap - cur, nil
	}
	return amount, nil
}

// Blend creates a manufacturing job, publishes the blend command and
// waits for the device to finish or fail. totalVolume <= 0 selects the
// configured default.
func (o *Orchestrator) Blend(ctx context.Context, deviceID string, items []BlendItem, diluent *command.Ethanol, totalVolume float64) (BlendResult, error) {
	if deviceID == "" || len(items) == 0 {
		return BlendResult{}, fmt.Errorf("%w: device id and items required", ErrValidation)
	}
	for _, it := range items {
		if it.Proportion <= 0 {
			return BlendResult{}, fmt.Errorf("%w: proportion must be positive", ErrValidation)
		}
		if it.SlotID == 0 && it.IngredientID == 0 {
			return BlendResult{}, fmt.Errorf("%w: slotId or ingredientId required", ErrValidation)
		}
	}
	if totalVolume <= 0 {
		totalVolume = o.opts.DefaultBlendVolume
	}

	if err := o.devices.EnsureExists(ctx, deviceID); err != nil {
		return BlendResult{}, err
	}

	entry, ok := o.pending.register(deviceID, command.KindManufacture)
	if !ok {
		return BlendResult{}, fmt.Errorf("%w: blend pending for device %s", ErrOperationInFlight, deviceID)
	}

	lines, wireItems, err := o.resolveBlendLines(ctx, deviceID, items)
	if err != nil {
		o.pending.remove(entry)
		return BlendResult{}, err
	}

	// The request is logged before the job row exists; the row is
	// correlated with the job as soon as the id is known.
	o.appendLog(ctx, job.LogEntry{
		DeviceID: deviceID,
		Cmd:      command.KindManufacture,
		Event:    job.EventRequested,
		Detail:   fmt.Sprintf("items=%d volume=%.1fml", len(items), totalVolume),
	})

	j, err := o.jobs.Create(ctx, deviceID, totalVolume, lines)
	if err != nil {
		o.pending.remove(entry)
		return BlendResult{}, err
	}
	o.pending.bind(entry, func(e *pendingEntry) { e.jobID = j.ID })
	o.telemetry.WriteJobTransition(deviceID, j.ID, string(job.StatusCreated))

	if err := o.jobs.AttachJobToLatestLog(ctx, deviceID, command.KindManufacture, j.ID); err != nil {
		o.logger.Error("failed to attach job to log", "device_id", deviceID, "job_id", j.ID, "error", err)
	}

	cmd, err := command.NewManufacture(wireItems, diluent)
	if err != nil {
		o.pending.remove(entry)
		return BlendResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := o.publish(deviceID, cmd); err != nil {
		o.pending.remove(entry)
		o.failJob(context.Background(), deviceID, j.ID, job.EventPublishFailed, err.Error())
		return BlendResult{}, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	o.armTimeout(entry, o.opts.BlendTimeout, func() {
		o.failJob(context.Background(), deviceID, j.ID, job.EventTimeout,
			fmt.Sprintf("no ack within %s", o.opts.BlendTimeout))
	})

	res, err := o.await(ctx, entry)
	if err != nil {
		return BlendResult{}, err
	}
	return res.(BlendResult), nil
}

// resolveBlendLines maps blend items to recipe lines and wire items,
// resolving slots from ingredient mappings where needed.
func (o *Orchestrator) resolveBlendLines(ctx context.Context, deviceID string, items []BlendItem) ([]job.RecipeLine, []command.BlendItem, error) {
	lines := make([]job.RecipeLine, 0, len(items))
	wire := make([]command.BlendItem, 0, len(items))

	for _, it := range items {
		slotID, ingredientID, err := o.resolveItem(ctx, deviceID, it.SlotID, it.IngredientID)
		if err != nil {
			return nil, nil, err
		}
		if err := o.slots.EnsureSlot(ctx, deviceID, slotID, it.Name, 0); err != nil {
			return nil, nil, err
		}

		lines = append(lines, job.RecipeLine{
			SlotID:         slotID,
			IngredientID:   ingredientID,
			IngredientName: it.Name,
			Proportion:     float64(it.Proportion),
		})
		wire = append(wire, command.BlendItem{SlotID: slotID, Prop: it.Proportion})
	}
	return lines, wire, nil
}

// resolveItem fills in whichever of slot and ingredient the caller
// omitted, using the device's current mapping.
func (o *Orchestrator) resolveItem(ctx context.Context, deviceID string, slotID, ingredientID int64) (int64, int64, error) {
	if slotID == 0 {
		mapped, err := o.slots.SlotByIngredient(ctx, deviceID, ingredientID)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		slotID = mapped
	}
	if ingredientID == 0 {
		mapping, err := o.slots.MappingBySlot(ctx, deviceID, slotID)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		ingredientID = mapping.IngredientID
	}
	return slotID, ingredientID, nil
}

// CheckInventory interrogates the device for its physical inventory and
// reconciles local stock with the response.
func (o *Orchestrator) CheckInventory(ctx context.Context, deviceID string) ([]SlotSnapshot, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id required", ErrValidation)
	}
	if err := o.devices.EnsureExists(ctx, deviceID); err != nil {
		return nil, err
	}

	entry, ok := o.pending.register(deviceID, command.KindCheck)
	if !ok {
		return nil, fmt.Errorf("%w: check pending for device %s", ErrOperationInFlight, deviceID)
	}

	o.appendLog(ctx, job.LogEntry{
		DeviceID: deviceID,
		Cmd:      command.KindCheck,
		Event:    job.EventRequested,
	})

	if err := o.publish(deviceID, command.NewCheck()); err != nil {
		o.pending.remove(entry)
		o.promoteLog(ctx, deviceID, command.KindCheck, job.EventPublishFailed, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	o.armTimeout(entry, o.opts.CommandTimeout, func() {
		o.promoteLog(context.Background(), deviceID, command.KindCheck, job.EventTimeout,
			fmt.Sprintf("no ack within %s", o.opts.CommandTimeout))
	})

	res, err := o.await(ctx, entry)
	if err != nil {
		return nil, err
	}
	return res.([]SlotSnapshot), nil
}

// CheckLocal answers an inventory read from local state without touching
// the device.
func (o *Orchestrator) CheckLocal(ctx context.Context, deviceID string) ([]slotmap.SlotView, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id required", ErrValidation)
	}
	return o.slots.Snapshot(ctx, deviceID)
}

// Connect verifies the device answers over MQTT.
func (o *Orchestrator) Connect(ctx context.Context, deviceID string) (ConnectResult, error) {
	if deviceID == "" {
		return ConnectResult{}, fmt.Errorf("%w: device id required", ErrValidation)
	}
	if err := o.devices.EnsureExists(ctx, deviceID); err != nil {
		return ConnectResult{}, err
	}

	entry, ok := o.pending.register(deviceID, command.KindConnect)
	if !ok {
		return ConnectResult{}, fmt.Errorf("%w: connect pending for device %s", ErrOperationInFlight, deviceID)
	}

	o.appendLog(ctx, job.LogEntry{
		DeviceID: deviceID,
		Cmd:      command.KindConnect,
		Event:    job.EventRequested,
	})

	if err := o.publish(deviceID, command.NewConnect()); err != nil {
		o.pending.remove(entry)
		o.promoteLog(ctx, deviceID, command.KindConnect, job.EventPublishFailed, err.Error())
		return ConnectResult{}, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	o.armTimeout(entry, o.opts.CommandTimeout, func() {
		o.promoteLog(context.Background(), deviceID, command.KindConnect, job.EventTimeout,
			fmt.Sprintf("no ack within %s", o.opts.CommandTimeout))
	})

	res, err := o.await(ctx, entry)
	if err != nil {
		return ConnectResult{}, err
	}
	return res.(ConnectResult), nil
}

// Status is a pure read of device state.
func (o *Orchestrator) Status(ctx context.Context, deviceID string) (DeviceStatus, error) {
	exists, err := o.devices.Exists(ctx, deviceID)
	if err != nil {
		return DeviceStatus{}, err
	}
	if !exists {
		return DeviceStatus{}, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}

	st := DeviceStatus{DeviceID: deviceID, Operational: true}

	if active, err := o.jobs.FindActive(ctx, deviceID); err == nil {
		st.CurrentJobID = active.ID
	} else if !errors.Is(err, job.ErrNotFound) {
		return DeviceStatus{}, err
	}

	if last, err := o.devices.LastActivity(ctx, deviceID); err == nil {
		st.LastActivity = last
	} else if !errors.Is(err, device.ErrNotFound) {
		return DeviceStatus{}, err
	}
	return st, nil
}

// Stats returns the job dashboard summary for a device.
func (o *Orchestrator) Stats(ctx context.Context, deviceID string) (job.Stats, error) {
	return o.jobs.Stats(ctx, deviceID)
}

// publish serializes and sends a command to the device's command topic.
func (o *Orchestrator) publish(deviceID string, cmd command.Command) error {
	payload, err := cmd.Marshal()
	if err != nil {
		return err
	}
	o.logger.Debug("publishing command", "device_id", deviceID, "cmd", cmd.CMD)
	return o.publisher.Publish(mqtt.Topics{}.DeviceCommand(deviceID), payload, 1, false)
}

// armTimeout schedules the failure path for an unacknowledged exchange.
// The table removal decides the race against a concurrent ack: only the
// side that removes the entry acts.
func (o *Orchestrator) armTimeout(entry *pendingEntry, d time.Duration, onTimeout func()) {
	timer := time.AfterFunc(d, func() {
		if !o.pending.remove(entry) {
			return
		}
		onTimeout()
		entry.ch <- outcome{err: fmt.Errorf("%w after %s", ErrTimeout, d)}
	})
	o.pending.bind(entry, func(e *pendingEntry) { e.timer = timer })
}

// await suspends the caller until the entry resolves. No lock is held
// here; cancellation of ctx abandons the wait and leaves cleanup to the
// timeout.
func (o *Orchestrator) await(ctx context.Context, entry *pendingEntry) (any, error) {
	select {
	case out := <-entry.ch:
		return out.payload, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failJob marks a job FAILED and records why. Used by the publish failure
// and timeout paths.
func (o *Orchestrator) failJob(ctx context.Context, deviceID, jobID, event, detail string) {
	if err := o.jobs.UpdateStatus(ctx, jobID, job.StatusFailed); err != nil && !errors.Is(err, job.ErrInvalidTransition) {
		o.logger.Error("failed to mark job failed", "job_id", jobID, "error", err)
	}
	o.telemetry.WriteJobTransition(deviceID, jobID, string(job.StatusFailed))
	o.promoteLog(ctx, deviceID, command.KindManufacture, event, detail)
}

// appendLog writes an audit row, best-effort.
func (o *Orchestrator) appendLog(ctx context.Context, e job.LogEntry) {
	if _, err := o.jobs.AppendLog(ctx, e); err != nil {
		o.logger.Error("failed to append job log", "device_id", e.DeviceID, "event", e.Event, "error", err)
	}
}

// promoteLog rewrites the latest (device, cmd) log row, falling back to a
// fresh row when none is addressable. Best-effort.
func (o *Orchestrator) promoteLog(ctx context.Context, deviceID, cmd, event, detail string) {
	err := o.jobs.PromoteLatestLog(ctx, deviceID, cmd, event, detail)
	if errors.Is(err, job.ErrNotFound) {
		o.appendLog(ctx, job.LogEntry{DeviceID: deviceID, Cmd: cmd, Event: event, Detail: detail})
		return
	}
	if err != nil {
		o.logger.Error("failed to promote job log", "device_id", deviceID, "cmd", cmd, "error", err)
	}
}
