package link

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Clair88860/basic/internal/ble"
	"github.com/Clair88860/basic/internal/telemetry"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Idle, Scanning, true},
		{Scanning, Connecting, true},
		{Connecting, ServiceDiscovery, true},
		{ServiceDiscovery, EnablingNotifications, true},
		{EnablingNotifications, Streaming, true},
		{Streaming, Disconnecting, true},
		{Disconnecting, Idle, true},
		{Disconnecting, Failed, true},
		{Failed, Idle, true},
		{Idle, Streaming, false},
		{Streaming, Failed, false},
		{Streaming, Idle, false},
		{Scanning, Streaming, false},
		{Idle, Idle, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestEveryStateCanReachIdle(t *testing.T) {
	for s := Idle; s <= Failed; s++ {
		seen := map[State]bool{s: true}
		queue := []State{s}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range transitions[cur] {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
		if !seen[Idle] {
			t.Errorf("%s cannot reach Idle", s)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{ble.ErrAdapterUnavailable, KindAdapterUnavailable},
		{fmt.Errorf("%w: 15s", ble.ErrScanTimeout), KindScanTimeout},
		{fmt.Errorf("%w: AA", ble.ErrConnectionTimeout), KindConnectionTimeout},
		{fmt.Errorf("%w: abort", ble.ErrTransport), KindTransport},
		{fmt.Errorf("%w: x", ble.ErrServiceNotFound), KindServiceNotFound},
		{fmt.Errorf("%w: x", ble.ErrCharacteristicNotFound), KindCharacteristicNotFound},
		{fmt.Errorf("%w: x", ble.ErrDescriptorWriteFailed), KindDescriptorWriteFailed},
		{fmt.Errorf("%w: x", ble.ErrUnexpectedDisconnect), KindUnexpectedDisconnect},
		{fmt.Errorf("%w: 3 bytes", telemetry.ErrMalformedBuffer), KindMalformedBuffer},
		{telemetry.ErrOutOfRange, KindOutOfRange},
		{errors.New("boom"), KindOther},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestStatusEventString(t *testing.T) {
	ev := StatusEvent{From: Streaming, To: Disconnecting, Detail: "AA", Err: ble.ErrUnexpectedDisconnect, Kind: KindUnexpectedDisconnect}
	want := "Streaming -> Disconnecting (AA): UnexpectedDisconnect: ble: unexpected disconnect"
	if got := ev.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if !ev.Transition() {
		t.Error("Transition() = false for a state change")
	}

	same := StatusEvent{From: Streaming, To: Streaming}
	if same.Transition() {
		t.Error("Transition() = true for From == To")
	}
	if got := same.String(); got != "Streaming" {
		t.Errorf("String() = %q, want Streaming", got)
	}
}

func TestStateString(t *testing.T) {
	if got := EnablingNotifications.String(); got != "EnablingNotifications" {
		t.Errorf("String() = %q", got)
	}
	if got := State(42).String(); got != "State(42)" {
		t.Errorf("String() = %q", got)
	}
}
