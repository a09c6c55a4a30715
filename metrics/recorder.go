// Package metrics records gateway, settlement and bridge events.
package metrics

import "time"

// Recorder receives events. Counters read the "network" and "outcome"
// labels; latencies read "network" and "step". Other keys are dropped.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event names.
const (
	EventPaymentRequired   = "payment_required"
	EventPaymentForwarded  = "payment_forwarded"
	EventProofRejected     = "proof_rejected"
	EventProofReused       = "proof_reused"
	EventSettlementTrigger = "settlement_trigger"
	EventTransferBroadcast = "transfer_broadcast"
	EventTransferRejected  = "transfer_rejected"
	EventBridgeStep        = "bridge_step"
	EventDemoRun           = "demo_run"
)

// OrNoop returns r, or NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
