// Package orchestrator coordinates request/response command exchanges with
// Moodrop dispensers over a fire-and-forget transport.
//
// Devices never answer synchronously: a command is published to the
// device's command topic and the acknowledgement arrives later on its
// response topic. The orchestrator bridges the two with a pending
// operation table keyed by (device, command kind), or by job id once a
// blend is underway. Each caller-facing operation follows the same shape:
// admit (exclusive per key), write durable intent, publish, arm a
// timeout, then suspend until the acknowledgement or the timeout resolves
// the pending entry. Exactly one of the two wins; the loser finds the
// entry already gone and does nothing.
package orchestrator
