// Package device manages device endpoint rows.
//
// A Moodrop mixing device is identified by an opaque string id and is
// created implicitly the first time Core interacts with it (upsert-if-absent).
// Endpoints are never deleted; slots, stock, and jobs hang off the endpoint
// row via foreign keys.
package device
