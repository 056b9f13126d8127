package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteStockDelta records a ledger movement for an ingredient on a
// device. delta is signed millilitres: positive for refills, negative
// for consumption. The write is batched and non-blocking, and a no-op
// when no telemetry sink is connected.
func (c *Client) WriteStockDelta(deviceID string, ingredientID, slotID int64, delta float64, reason string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"stock_delta",
		map[string]string{
			"device_id": deviceID,
			"reason":    reason,
		},
		map[string]interface{}{
			"ingredient_id": ingredientID,
			"slot_id":       slotID,
			"delta_ml":      delta,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteJobTransition records a manufacturing job status change
// (CREATED, PREPARE, PROGRESS, COMPLETED, FAILED, CANCELLED).
func (c *Client) WriteJobTransition(deviceID, jobID, status string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"job_transition",
		map[string]string{
			"device_id": deviceID,
			"status":    status,
		},
		map[string]interface{}{
			"job_id": jobID,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom measurement with arbitrary tags and fields.
//
// Use the specialised methods above where they fit; this escape hatch
// exists for one-off measurements.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom measurement with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
