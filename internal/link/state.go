package link

import (
	"errors"
	"fmt"
	"time"

	"github.com/Clair88860/basic/internal/ble"
	"github.com/Clair88860/basic/internal/telemetry"
)

// State is the connection lifecycle stage.
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	ServiceDiscovery
	EnablingNotifications
	Streaming
	Disconnecting
	Failed
)

var stateNames = [...]string{
	"Idle", "Scanning", "Connecting", "ServiceDiscovery",
	"EnablingNotifications", "Streaming", "Disconnecting", "Failed",
}

func (s State) String() string {
	if s < Idle || s > Failed {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// transitions is the state graph. Failed->Idle is an explicit reset by
// Start; Idle->Failed is a scheduled retry that could not begin scanning.
var transitions = map[State][]State{
	Idle:                  {Scanning, Failed},
	Scanning:              {Connecting, Failed, Disconnecting},
	Connecting:            {ServiceDiscovery, Failed, Disconnecting},
	ServiceDiscovery:      {EnablingNotifications, Failed, Disconnecting},
	EnablingNotifications: {Streaming, Failed, Disconnecting},
	Streaming:             {Disconnecting},
	Disconnecting:         {Idle, Failed},
	Failed:                {Idle, Disconnecting},
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies the error carried by a StatusEvent.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindAdapterUnavailable
	KindScanTimeout
	KindConnectionTimeout
	KindTransport
	KindServiceNotFound
	KindCharacteristicNotFound
	KindDescriptorWriteFailed
	KindUnexpectedDisconnect
	KindMalformedBuffer
	KindOutOfRange
	KindOther
)

var kindNames = [...]string{
	"None", "AdapterUnavailable", "ScanTimeout", "ConnectionTimeout",
	"Transport", "ServiceNotFound", "CharacteristicNotFound",
	"DescriptorWriteFailed", "UnexpectedDisconnect", "MalformedBuffer",
	"OutOfRange", "Other",
}

func (k ErrorKind) String() string {
	if k < KindNone || k > KindOther {
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
	return kindNames[k]
}

var kindSentinels = []struct {
	err  error
	kind ErrorKind
}{
	{ble.ErrAdapterUnavailable, KindAdapterUnavailable},
	{ble.ErrScanTimeout, KindScanTimeout},
	{ble.ErrConnectionTimeout, KindConnectionTimeout},
	{ble.ErrTransport, KindTransport},
	{ble.ErrServiceNotFound, KindServiceNotFound},
	{ble.ErrCharacteristicNotFound, KindCharacteristicNotFound},
	{ble.ErrDescriptorWriteFailed, KindDescriptorWriteFailed},
	{ble.ErrUnexpectedDisconnect, KindUnexpectedDisconnect},
	{telemetry.ErrMalformedBuffer, KindMalformedBuffer},
	{telemetry.ErrOutOfRange, KindOutOfRange},
}

// Classify maps an error chain to its kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindOther
}

// StatusEvent reports a state transition, or with From == To, a non-fatal
// error observed without one.
type StatusEvent struct {
	From, To State
	Err      error
	Kind     ErrorKind
	Detail   string
	At       time.Time
	Attempt  uint64
}

// Transition reports whether the event changed state.
func (e StatusEvent) Transition() bool {
	return e.From != e.To
}

func (e StatusEvent) String() string {
	s := e.To.String()
	if e.Transition() {
		s = e.From.String() + " -> " + s
	}
	if e.Detail != "" {
		s += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		s += ": " + e.Kind.String() + ": " + e.Err.Error()
	}
	return s
}

// Status is a snapshot of the machine. Reason is set in Failed.
type Status struct {
	State  State
	Reason error
}

// Sink consumes the manager's output. Both methods run on the manager's
// event loop and must not block.
type Sink interface {
	OnReading(telemetry.Reading)
	OnStatus(StatusEvent)
}

// SinkFuncs adapts a pair of functions to Sink. Nil members are skipped.
type SinkFuncs struct {
	Reading func(telemetry.Reading)
	Status  func(StatusEvent)
}

func (s SinkFuncs) OnReading(r telemetry.Reading) {
	if s.Reading != nil {
		s.Reading(r)
	}
}

func (s SinkFuncs) OnStatus(e StatusEvent) {
	if s.Status != nil {
		s.Status(e)
	}
}
