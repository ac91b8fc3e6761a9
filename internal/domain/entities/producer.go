package entities

import (
	"errors"
	"fmt"
)

// ErrUnknownProducer is returned when a caller names a producer outside the table
var ErrUnknownProducer = errors.New("unknown producer")

// ProducerTag identifies who contributed a snapshot update
type ProducerTag string

const (
	// ProducerExternalClient is the remote client application (routes, identity, scans)
	ProducerExternalClient ProducerTag = "external_client"
	// ProducerLogTailer is the local game-log tailer (position, combat, mining)
	ProducerLogTailer ProducerTag = "log_tailer"
	// ProducerRenderer is the injected renderer, via drained user events
	ProducerRenderer ProducerTag = "renderer"
	// ProducerReconciler marks fields the reconciler writes itself
	ProducerReconciler ProducerTag = "reconciler"
)

// ParseProducerTag converts an external string into a producer tag.
// The reconciler tag is internal and cannot be claimed by callers.
func ParseProducerTag(s string) (ProducerTag, error) {
	switch ProducerTag(s) {
	case ProducerExternalClient, ProducerLogTailer, ProducerRenderer:
		return ProducerTag(s), nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownProducer, s)
	}
}

// String returns the tag value
func (p ProducerTag) String() string {
	return string(p)
}

// TailerState is the coarse lifecycle state reported by the log-tailer
type TailerState string

const (
	TailerStateIdle    TailerState = "idle"
	TailerStateTailing TailerState = "tailing"
	TailerStateError   TailerState = "error"
)

// ProducerStatus describes the health of a producer as reported by itself
type ProducerStatus struct {
	State     TailerState `json:"state"`
	File      string      `json:"file,omitempty"`
	Message   string      `json:"message,omitempty"`
	ChangedMs int64       `json:"changed_ms"`
}
