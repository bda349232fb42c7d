package ble_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Clair88860/basic/internal/ble"
	"github.com/Clair88860/basic/internal/ble/bletest"
)

func TestBeginScanUnavailable(t *testing.T) {
	adapter := bletest.NewAdapter(nil)
	adapter.SetAvailable(false)
	gw := ble.NewGateway(adapter, nil)

	h, err := gw.BeginScan(context.Background(), ble.Filter{Name: "Arduino_GCS"})
	if !errors.Is(err, ble.ErrAdapterUnavailable) {
		t.Fatalf("BeginScan() error = %v, want ErrAdapterUnavailable", err)
	}
	if h != nil {
		t.Error("BeginScan() returned a handle for an unavailable adapter")
	}
	if n := adapter.Count("scan"); n != 0 {
		t.Errorf("adapter scanned %d times, want 0", n)
	}
}

func TestStopScanIsIdempotent(t *testing.T) {
	adapter := bletest.NewAdapter(nil)
	gw := ble.NewGateway(adapter, nil)

	h, err := gw.BeginScan(context.Background(), ble.Filter{Name: "x"})
	if err != nil {
		t.Fatalf("BeginScan() error = %v", err)
	}
	waitScanning(t, adapter)
	gw.StopScan(h)
	gw.StopScan(h)
	h.Stop()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("scan did not end after StopScan")
	}
	if n := adapter.Count("stopscan"); n != 1 {
		t.Errorf("adapter StopScan called %d times, want 1", n)
	}
	if _, ok := <-h.Sightings(); ok {
		t.Error("Sightings() should be closed after stop")
	}
}

func waitScanning(t *testing.T, adapter *bletest.Adapter) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for adapter.Count("scan") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("adapter scan never started")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, h *ble.ScanHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("scan did not end")
	}
}

func TestStopScanStopsRadioOnce(t *testing.T) {
	adapter := bletest.NewAdapter(nil)
	adapter.RadioScan()
	gw := ble.NewGateway(adapter, nil)

	h, err := gw.BeginScan(context.Background(), ble.Filter{Name: "x"})
	if err != nil {
		t.Fatalf("BeginScan() error = %v", err)
	}
	waitScanning(t, adapter)
	gw.StopScan(h)
	gw.StopScan(h)
	waitDone(t, h)

	if n := adapter.Count("stopscan"); n != 1 {
		t.Errorf("radio StopScan called %d times after one handle stop, want 1", n)
	}
}

func TestCancelledScanStopsRadioOnce(t *testing.T) {
	adapter := bletest.NewAdapter(nil)
	adapter.RadioScan()
	gw := ble.NewGateway(adapter, nil)
	ctx, cancel := context.WithCancel(context.Background())

	h, err := gw.BeginScan(ctx, ble.Filter{Name: "x"})
	if err != nil {
		t.Fatalf("BeginScan() error = %v", err)
	}
	waitScanning(t, adapter)
	cancel()
	waitDone(t, h)
	h.Stop()

	if n := adapter.Count("stopscan"); n != 1 {
		t.Errorf("radio StopScan called %d times after cancel, want 1", n)
	}
}

func TestStopBeforeRadioScanStarts(t *testing.T) {
	adapter := bletest.NewAdapter(nil)
	adapter.RadioScan()
	gw := ble.NewGateway(adapter, nil)

	h, err := gw.BeginScan(context.Background(), ble.Filter{Name: "x"})
	if err != nil {
		t.Fatalf("BeginScan() error = %v", err)
	}
	h.Stop()
	waitDone(t, h)

	if n := adapter.Count("stopscan"); n > 1 {
		t.Errorf("radio StopScan called %d times, want at most 1", n)
	}
}

func TestScanSessionFindsFirstMatch(t *testing.T) {
	adapter := bletest.NewAdapter(nil,
		bletest.Sighting("LE-Bose QC35", 1),
		bletest.Sighting("", 2),
		bletest.Sighting("Arduino_GCS", 3),
		bletest.Sighting("Arduino_GCS", 4),
	)
	gw := ble.NewGateway(adapter, nil)
	filter := ble.Filter{Name: "Arduino_GCS"}

	h, err := gw.BeginScan(context.Background(), filter)
	if err != nil {
		t.Fatalf("BeginScan() error = %v", err)
	}
	c, err := ble.NewScanSession(h, filter, time.Second, clock.New(), nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if c.Address != "AA:BB:CC:DD:EE:03" || c.Name != "Arduino_GCS" || !c.Match {
		t.Errorf("candidate = %+v, want the first Arduino_GCS sighting", c)
	}

	<-h.Done()
	if n := adapter.Count("stopscan"); n != 1 {
		t.Errorf("adapter StopScan called %d times, want 1", n)
	}
}

func TestScanSessionTimeout(t *testing.T) {
	adapter := bletest.NewAdapter(nil, bletest.Sighting("Other", 1))
	gw := ble.NewGateway(adapter, nil)
	filter := ble.Filter{Name: "Arduino_GCS"}

	h, err := gw.BeginScan(context.Background(), filter)
	if err != nil {
		t.Fatalf("BeginScan() error = %v", err)
	}
	waitScanning(t, adapter)
	_, err = ble.NewScanSession(h, filter, 20*time.Millisecond, clock.New(), nil).Run(context.Background())
	if !errors.Is(err, ble.ErrScanTimeout) {
		t.Fatalf("Run() error = %v, want ErrScanTimeout", err)
	}
	<-h.Done()
	if n := adapter.Count("stopscan"); n != 1 {
		t.Errorf("adapter StopScan called %d times, want 1", n)
	}
}

func TestScanSessionScanEndsWithoutMatch(t *testing.T) {
	adapter := bletest.NewAdapter(nil, bletest.Sighting("Other", 1))
	adapter.ShortScan()
	gw := ble.NewGateway(adapter, nil)
	filter := ble.Filter{Name: "Arduino_GCS"}

	h, err := gw.BeginScan(context.Background(), filter)
	if err != nil {
		t.Fatalf("BeginScan() error = %v", err)
	}
	_, err = ble.NewScanSession(h, filter, 0, clock.New(), nil).Run(context.Background())
	if !errors.Is(err, ble.ErrTransport) {
		t.Errorf("Run() error = %v, want ErrTransport", err)
	}
	if errors.Is(err, ble.ErrAdapterUnavailable) {
		t.Error("a scan that ended on a working radio is not an unavailable adapter")
	}
}

func TestScanSessionCancelled(t *testing.T) {
	adapter := bletest.NewAdapter(nil)
	gw := ble.NewGateway(adapter, nil)
	ctx, cancel := context.WithCancel(context.Background())

	h, err := gw.BeginScan(ctx, ble.Filter{Name: "x"})
	if err != nil {
		t.Fatalf("BeginScan() error = %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := ble.NewScanSession(h, ble.Filter{Name: "x"}, 0, clock.New(), nil).Run(ctx)
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestFilterMatch(t *testing.T) {
	svc := "19b10000-e8f2-537e-4f6c-d104768a1214"
	tests := []struct {
		name   string
		filter ble.Filter
		adv    ble.Advertisement
		want   bool
	}{
		{"exact name", ble.Filter{Name: "Arduino_GCS"}, ble.Advertisement{Name: "Arduino_GCS"}, true},
		{"substring", ble.Filter{Name: "GCS"}, ble.Advertisement{Name: "Arduino_GCS"}, true},
		{"case sensitive", ble.Filter{Name: "arduino"}, ble.Advertisement{Name: "Arduino_GCS"}, false},
		{"empty filter", ble.Filter{}, ble.Advertisement{Name: "Arduino_GCS"}, false},
		{"service only", ble.Filter{ServiceUUID: svc, RequireService: true},
			ble.Advertisement{Services: []string{"19B10000E8F2537E4F6CD104768A1214"}}, true},
		{"service missing", ble.Filter{Name: "Arduino", ServiceUUID: svc, RequireService: true},
			ble.Advertisement{Name: "Arduino_GCS", Services: []string{"180a"}}, false},
		{"service ignored unless required", ble.Filter{Name: "Arduino", ServiceUUID: svc},
			ble.Advertisement{Name: "Arduino_GCS"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(tt.adv); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeUUID(t *testing.T) {
	tests := map[string]string{
		"2902":                                 "0000290200001000800000805f9b34fb",
		"00002902-0000-1000-8000-00805F9B34FB": "0000290200001000800000805f9b34fb",
		"19b10001-e8f2-537e-4f6c-d104768a1214": "19b10001e8f2537e4f6cd104768a1214",
	}
	for in, want := range tests {
		if got := ble.NormalizeUUID(in); got != want {
			t.Errorf("NormalizeUUID(%q) = %q, want %q", in, got, want)
		}
	}
	if !ble.SameUUID("2902", ble.CCCDUUID) {
		t.Error("short CCCD UUID should match the full form")
	}
}
