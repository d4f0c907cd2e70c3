package stream

import "github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"

// Trigger is a transport lifecycle event that drives the connection state.
type Trigger string

const (
	TriggerOpened             Trigger = "opened"
	TriggerMessageReceived    Trigger = "messageReceived"
	TriggerClosedExpectedly   Trigger = "closedExpectedly"
	TriggerClosedUnexpectedly Trigger = "closedUnexpectedly"
	TriggerErrored            Trigger = "errored"
)

// Transition returns the state reached from s on trigger t. Errors and
// messages leave the state unchanged; only a close moves to disconnected.
func Transition(s schema.ConnectionState, t Trigger) schema.ConnectionState {
	switch t {
	case TriggerOpened:
		return schema.StateConnected
	case TriggerClosedExpectedly, TriggerClosedUnexpectedly:
		return schema.StateDisconnected
	case TriggerMessageReceived, TriggerErrored:
		return s
	default:
		return s
	}
}
