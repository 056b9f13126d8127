// Package influxdb provides time-series telemetry for Moodrop Core.
//
// Stock movements and manufacturing job transitions are written as
// measurements so dashboards can chart consumption and job throughput
// without querying the relational store.
//
// Writes are non-blocking and batched; a failure to record telemetry is
// reported through the error callback and never affects the primary
// operation.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteStockDelta("mx-001", 7, 1, 5.0, "refill")
//	client.WriteJobTransition("mx-001", "mfj-abc", "COMPLETED")
package influxdb
