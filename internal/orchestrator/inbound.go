package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/moodrop/moodrop-core/internal/command"
	"github.com/moodrop/moodrop-core/internal/inventory"
	"github.com/moodrop/moodrop-core/internal/job"
)

// HandleInbound is the single entry point for device messages. It
// classifies the payload by its command tag and correlates it with the
// matching pending operation. Every branch tolerates duplicates: a
// re-delivered acknowledgement finds no pending entry and does nothing.
func (o *Orchestrator) HandleInbound(deviceID string, payload []byte) {
	if deviceID == "" {
		o.logger.Warn("inbound message without device id", "payload", string(payload))
		return
	}

	msg, err := command.Decode(payload)
	if err != nil {
		o.logger.Warn("discarding malformed inbound message", "device_id", deviceID, "error", err)
		return
	}

	ctx := context.Background()

	switch msg.Tag {
	case command.TagCheck:
		o.handleCheckAck(ctx, deviceID, msg)
	case command.TagRefillAck:
		o.handleRefillAck(ctx, deviceID, msg)
	case command.TagStatus:
		o.handleStatus(ctx, deviceID, msg)
	case command.TagConnect:
		o.handleConnectAck(deviceID)
	default:
		// Forward compatibility: unknown tags are logged, never rejected.
		o.logger.Debug("ignoring unrecognized inbound tag", "device_id", deviceID, "tag", msg.Tag)
	}
}

// handleCheckAck reconciles local stock with the device-reported snapshot
// and resolves the waiting check, if any.
func (o *Orchestrator) handleCheckAck(ctx context.Context, deviceID string, msg command.Inbound) {
	snapshot := make([]SlotSnapshot, 0, len(msg.Slots))
	for _, s := range msg.Slots {
		if err := o.slots.EnsureSlot(ctx, deviceID, s.SlotID, s.Name, 0); err != nil {
			o.logger.Error("failed to ensure slot from check ack", "device_id", deviceID, "slot_id", s.SlotID, "error", err)
			continue
		}
		if err := o.stock.UpsertStock(ctx, deviceID, s.SlotID, s.Amount); err != nil {
			o.logger.Error("failed to reconcile stock from check ack", "device_id", deviceID, "slot_id", s.SlotID, "error", err)
			continue
		}
		snapshot = append(snapshot, SlotSnapshot{
			SlotID:       s.SlotID,
			IngredientID: s.IngredientID,
			Name:         s.Name,
			Amount:       s.Amount,
		})
	}

	entry := o.pending.takeDevice(deviceID, command.KindCheck)
	if entry == nil {
		o.logger.Debug("check ack with no pending check", "device_id", deviceID)
		return
	}
	o.promoteLog(ctx, deviceID, command.KindCheck, job.EventAcked, fmt.Sprintf("slots=%d", len(snapshot)))
	entry.resolve(snapshot, nil)
}

// handleRefillAck resolves a waiting refill with the current aggregate
// amounts of the ingredients that refill requested.
func (o *Orchestrator) handleRefillAck(ctx context.Context, deviceID string, msg command.Inbound) {
	entry := o.pending.takeDevice(deviceID, command.KindUpdate)
	if entry == nil {
		o.logger.Debug("refill ack with no pending refill", "device_id", deviceID)
		return
	}

	o.promoteLog(ctx, deviceID, command.KindUpdate, job.EventAcked, "status="+msg.Status)

	amounts, err := o.stock.IngredientAmounts(ctx, deviceID, entry.refillIngredients)
	if err != nil {
		entry.resolve(nil, err)
		return
	}
	snapshot := make([]IngredientSnapshot, len(amounts))
	for i, a := range amounts {
		snapshot[i] = IngredientSnapshot{IngredientID: a.IngredientID, Amount: a.Amount}
	}
	entry.resolve(snapshot, nil)
}

// handleStatus drives the active job's lifecycle from a device status
// report and resolves the blend when it reaches a terminal state.
func (o *Orchestrator) handleStatus(ctx context.Context, deviceID string, msg command.Inbound) {
	active, err := o.jobs.FindActive(ctx, deviceID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			o.logger.Warn("status event with no active job", "device_id", deviceID, "status", msg.Status)
		} else {
			o.logger.Error("failed to find active job", "device_id", deviceID, "error", err)
		}
		return
	}

	// Re-key the waiter by job id so a new blend can be admitted for the
	// device the moment this one resolves.
	o.pending.handoff(deviceID, command.KindManufacture, active.ID)

	switch msg.Status {
	case command.StatusPossible:
		o.beginBlend(ctx, deviceID, active)

	case command.StatusCompleted:
		if err := o.jobs.UpdateStatus(ctx, active.ID, job.StatusCompleted); err != nil {
			o.logger.Warn("ignoring completed report", "job_id", active.ID, "error", err)
			return
		}
		o.telemetry.WriteJobTransition(deviceID, active.ID, string(job.StatusCompleted))
		o.promoteLog(ctx, deviceID, command.KindManufacture, job.EventCompleted, "")
		o.finishBlend(deviceID, active.ID, BlendResult{JobID: active.ID, Status: job.StatusCompleted})

	case command.StatusImpossible, command.StatusError:
		if err := o.jobs.UpdateStatus(ctx, active.ID, job.StatusFailed); err != nil {
			o.logger.Warn("ignoring failure report", "job_id", active.ID, "error", err)
			return
		}
		o.telemetry.WriteJobTransition(deviceID, active.ID, string(job.StatusFailed))
		o.promoteLog(ctx, deviceID, command.KindManufacture, job.EventFailed, msg.Status)
		o.finishBlend(deviceID, active.ID, BlendResult{JobID: active.ID, Status: job.StatusFailed, Detail: msg.Status})

	default:
		// Unrecognized report while the job is active: log only, no state
		// change.
		o.promoteLog(ctx, deviceID, command.KindManufacture, job.EventUnknown, msg.Status)
	}
}

// beginBlend moves the job to PREPARE and consumes its recipe lines,
// apportioning the total volume by relative proportion. Any insufficient
// line aborts the rest and fails the job; lines already consumed stay
// consumed, the ledger records what was actually taken.
func (o *Orchestrator) beginBlend(ctx context.Context, deviceID string, active job.Job) {
	if err := o.jobs.UpdateStatus(ctx, active.ID, job.StatusPrepare); err != nil {
		// Duplicate "possible" report; consumption already happened.
		o.logger.Debug("ignoring possible report", "job_id", active.ID, "error", err)
		return
	}
	o.telemetry.WriteJobTransition(deviceID, active.ID, string(job.StatusPrepare))
	o.promoteLog(ctx, deviceID, command.KindManufacture, job.EventPrepare, "")

	amounts := job.ApportionVolume(active.TotalVolume, active.Lines)
	for i, line := range active.Lines {
		err := o.stock.Consume(ctx, deviceID, line.IngredientID, line.SlotID, amounts[i], inventory.ReasonBlendConsume)
		if err == nil {
			o.telemetry.WriteStockDelta(deviceID, line.IngredientID, line.SlotID, -amounts[i], inventory.ReasonBlendConsume)
			continue
		}

		detail := fmt.Sprintf("line %d: %v", line.LineNo, err)
		if errors.Is(err, inventory.ErrInsufficientStock) {
			o.failJob(ctx, deviceID, active.ID, job.EventFailed, detail)
			o.finishBlend(deviceID, active.ID, BlendResult{JobID: active.ID, Status: job.StatusFailed, Detail: detail})
			return
		}
		o.logger.Error("blend consumption failed", "job_id", active.ID, "line", line.LineNo, "error", err)
		o.failJob(ctx, deviceID, active.ID, job.EventFailed, detail)
		o.finishBlend(deviceID, active.ID, BlendResult{JobID: active.ID, Status: job.StatusFailed, Detail: detail})
		return
	}
}

// handleConnectAck resolves a waiting connectivity check.
func (o *Orchestrator) handleConnectAck(deviceID string) {
	entry := o.pending.takeDevice(deviceID, command.KindConnect)
	if entry == nil {
		o.logger.Debug("connect ack with no pending connect", "device_id", deviceID)
		return
	}
	o.promoteLog(context.Background(), deviceID, command.KindConnect, job.EventAcked, "connected")
	entry.resolve(ConnectResult{DeviceID: deviceID, Status: "connected"}, nil)
}

// finishBlend resolves the job's waiter and emits the completion
// notification. The waiter may have timed out already; that is fine.
func (o *Orchestrator) finishBlend(deviceID, jobID string, res BlendResult) {
	o.notifier.JobFinished(deviceID, jobID, res.Status)

	entry := o.pending.takeJob(jobID)
	if entry == nil {
		entry = o.pending.takeDevice(deviceID, command.KindManufacture)
	}
	if entry == nil {
		o.logger.Debug("blend finished with no waiter", "job_id", jobID)
		return
	}
	entry.resolve(res, nil)
}
