// Package link drives the compass peripheral through scan, connect,
// discovery and notification enable, and turns notifications into readings.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/Clair88860/basic/internal/ble"
	"github.com/Clair88860/basic/internal/logging"
	"github.com/Clair88860/basic/internal/telemetry"
)

// eventBuffer bounds the number of queued loop messages.
const eventBuffer = 256

var (
	// ErrBusy is returned by Start when a connection attempt is already running.
	ErrBusy = errors.New("link: already running")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("link: manager closed")
)

// Stats counts what the manager has processed since it was created.
type Stats struct {
	Readings     uint64
	DecodeErrors uint64
	Retries      uint64
}

// Manager owns one peripheral link. All state lives on a single event loop
// goroutine; platform callbacks are posted to it as messages.
type Manager struct {
	gw      *ble.Gateway
	sink    Sink
	opts    Options
	decoder telemetry.Decoder
	clock   clock.Clock
	logger  logging.Logger

	events    chan event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	ctx    context.Context
	cancel context.CancelFunc

	// loop-owned
	state      State
	gen        uint64
	cur        *attempt
	retries    int
	retrySeq   uint64
	retryTimer *clock.Timer
	gotReading bool

	mu     sync.RWMutex
	status Status

	readings     atomic.Uint64
	decodeErrors atomic.Uint64
	retryCount   atomic.Uint64
}

// New creates a manager and starts its event loop. A nil sink discards
// output. The manager stays Idle until Start.
func New(gw *ble.Gateway, sink Sink, opts Options, options ...Option) *Manager {
	if sink == nil {
		sink = SinkFuncs{}
	}
	m := &Manager{
		gw:     gw,
		sink:   sink,
		opts:   opts,
		clock:  clock.New(),
		logger: logging.Nop(),
		events: make(chan event, eventBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		status: Status{State: Idle},
	}
	for _, o := range options {
		o(m)
	}
	if m.opts.UnitsToDegrees == 0 {
		m.opts.UnitsToDegrees = telemetry.DefaultUnitsToDegrees
	}
	m.decoder = telemetry.Decoder{Format: m.opts.Format, UnitsToDegrees: m.opts.UnitsToDegrees}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	go m.loop()
	return m
}

// Start begins a connection attempt from Idle or Failed.
func (m *Manager) Start() error {
	reply := make(chan error, 1)
	if !m.post(startCmd{reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrClosed
	}
}

// Stop releases the current attempt and returns to Idle. It returns after
// the loop has applied it.
func (m *Manager) Stop() {
	_ = m.stop()
}

func (m *Manager) stop() error {
	reply := make(chan error, 1)
	if !m.post(stopCmd{reply: reply}) {
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return nil
	}
}

// Close stops the manager and terminates its loop. Later calls are no-ops.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.stop()
		close(m.quit)
		<-m.done
	})
	return m.closeErr
}

// Status returns the current state and, in Failed, the reason.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Stats returns the manager's counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Readings:     m.readings.Load(),
		DecodeErrors: m.decodeErrors.Load(),
		Retries:      m.retryCount.Load(),
	}
}

// post queues ev for the loop. It reports false once the loop has exited.
func (m *Manager) post(ev event) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

type event interface{}

type (
	startCmd struct{ reply chan error }
	stopCmd  struct{ reply chan error }

	scanDone struct {
		gen       uint64
		candidate ble.Candidate
		err       error
	}
	connectDone struct {
		gen  uint64
		conn ble.Connection
		err  error
	}
	discoverDone struct {
		gen uint64
		err error
	}
	subscribeDone struct {
		gen uint64
		err error
	}
	payload struct {
		gen  uint64
		data []byte
		at   time.Time
	}
	linkLost struct{ gen uint64 }
	retryDue struct{ seq uint64 }
)

// attempt holds the resources of one scan-to-stream run. Fields are only
// touched by the loop; release may run once.
type attempt struct {
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	scan      *ble.ScanHandle
	candidate ble.Candidate
	conn      ble.Connection
	session   *ble.GATTSession

	once sync.Once
	err  error
}

func (a *attempt) release() error {
	a.once.Do(func() {
		a.cancel()
		if a.scan != nil {
			a.scan.Stop()
		}
		switch {
		case a.session != nil:
			a.err = a.session.Close()
		case a.conn != nil:
			a.err = a.conn.Disconnect()
		}
	})
	return a.err
}

func (m *Manager) loop() {
	defer close(m.done)
	defer m.cancel()

	for {
		select {
		case <-m.quit:
			m.cancelRetry()
			if err := m.releaseCurrent(); err != nil {
				m.logger.Warnf("release on close: %v", err)
			}
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev event) {
	switch ev := ev.(type) {
	case startCmd:
		ev.reply <- m.handleStart()
	case stopCmd:
		ev.reply <- m.handleStop()
	case scanDone:
		m.handleScanDone(ev)
	case connectDone:
		m.handleConnectDone(ev)
	case discoverDone:
		m.handleDiscoverDone(ev)
	case subscribeDone:
		m.handleSubscribeDone(ev)
	case payload:
		m.handlePayload(ev)
	case linkLost:
		m.handleLinkLost(ev)
	case retryDue:
		m.handleRetryDue(ev)
	default:
		m.logger.Errorf("unknown event %T", ev)
	}
}

func (m *Manager) handleStart() error {
	if m.state != Idle && m.state != Failed {
		return ErrBusy
	}
	if m.state == Failed {
		m.transition(Idle, nil, "reset")
	}
	m.cancelRetry()
	m.retries = 0

	if !m.gw.Available() {
		m.report(ble.ErrAdapterUnavailable, "start")
		return ble.ErrAdapterUnavailable
	}
	if err := m.beginAttempt(); err != nil {
		m.report(err, "start")
		return err
	}
	return nil
}

func (m *Manager) handleStop() error {
	m.cancelRetry()
	if m.state == Idle {
		return nil
	}
	m.transition(Disconnecting, nil, "stop")
	err := m.releaseCurrent()
	if err != nil {
		m.logger.Warnf("release: %v", err)
	}
	m.transition(Idle, nil, "")
	return err
}

// beginAttempt starts a scan and moves Idle -> Scanning.
func (m *Manager) beginAttempt() error {
	m.gen++
	ctx, cancel := context.WithCancel(m.ctx)
	a := &attempt{gen: m.gen, ctx: ctx, cancel: cancel}

	h, err := m.gw.BeginScan(ctx, m.opts.Filter)
	if err != nil {
		cancel()
		return err
	}
	a.scan = h
	m.cur = a
	m.gotReading = false
	m.transition(Scanning, nil, m.opts.Filter.Name)

	session := ble.NewScanSession(h, m.opts.Filter, m.opts.ScanTimeout, m.clock, m.logger)
	go func() {
		c, err := session.Run(ctx)
		m.post(scanDone{gen: a.gen, candidate: c, err: err})
	}()
	return nil
}

func (m *Manager) current(gen uint64, want State) *attempt {
	if m.cur == nil || m.cur.gen != gen || m.state != want {
		return nil
	}
	return m.cur
}

func (m *Manager) handleScanDone(ev scanDone) {
	a := m.current(ev.gen, Scanning)
	if a == nil {
		return
	}
	if ev.err != nil {
		m.fail(ev.err)
		return
	}
	a.candidate = ev.candidate
	m.transition(Connecting, nil, ev.candidate.Address)

	go func() {
		ctx, cancel := a.ctx, context.CancelFunc(func() {})
		if m.opts.ConnectTimeout > 0 {
			ctx, cancel = m.clock.WithTimeout(a.ctx, m.opts.ConnectTimeout)
		}
		conn, err := m.gw.Connect(ctx, ev.candidate)
		cancel()
		if !m.post(connectDone{gen: a.gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Disconnect()
		}
	}()
}

func (m *Manager) handleConnectDone(ev connectDone) {
	a := m.current(ev.gen, Connecting)
	if a == nil {
		if ev.conn != nil {
			m.logger.Debugf("dropping late connection to %s", ev.conn.Address())
			if err := ev.conn.Disconnect(); err != nil {
				m.logger.Warnf("disconnect late connection: %v", err)
			}
		}
		return
	}
	if ev.err != nil {
		m.fail(ev.err)
		return
	}

	a.conn = ev.conn
	a.session = ble.NewGATTSession(ev.conn, m.opts.GATT)
	gen := a.gen
	ev.conn.OnDisconnect(func() {
		m.post(linkLost{gen: gen})
	})
	m.transition(ServiceDiscovery, nil, "")

	session := a.session
	go func() {
		err := session.Discover(a.ctx)
		m.post(discoverDone{gen: gen, err: err})
	}()
}

func (m *Manager) handleDiscoverDone(ev discoverDone) {
	a := m.current(ev.gen, ServiceDiscovery)
	if a == nil {
		return
	}
	if ev.err != nil {
		m.fail(ev.err)
		return
	}
	m.transition(EnablingNotifications, nil, "")

	gen, session := a.gen, a.session
	go func() {
		err := session.EnableNotifications(func(data []byte) {
			// platform buffers may be reused after the callback returns
			buf := append([]byte(nil), data...)
			m.post(payload{gen: gen, data: buf, at: m.clock.Now()})
		})
		m.post(subscribeDone{gen: gen, err: err})
	}()
}

func (m *Manager) handleSubscribeDone(ev subscribeDone) {
	if m.current(ev.gen, EnablingNotifications) == nil {
		return
	}
	if ev.err != nil {
		m.fail(ev.err)
		return
	}
	m.transition(Streaming, nil, "")
}

func (m *Manager) handlePayload(ev payload) {
	if m.current(ev.gen, Streaming) == nil {
		m.logger.Debugf("dropping notification outside streaming (%d bytes)", len(ev.data))
		return
	}
	r, err := m.decoder.Decode(ev.data, ev.at)
	if err != nil {
		m.decodeErrors.Add(1)
		m.logger.Warnf("dropping sample: %v", err)
		m.report(err, "decode")
		return
	}
	m.readings.Add(1)
	if !m.gotReading {
		m.gotReading = true
		m.retries = 0
	}
	m.sink.OnReading(r)
}

func (m *Manager) handleLinkLost(ev linkLost) {
	if m.cur == nil || m.cur.gen != ev.gen {
		return
	}
	addr := m.cur.candidate.Address
	lost := fmt.Errorf("%w: %s", ble.ErrUnexpectedDisconnect, addr)

	switch m.state {
	case Connecting, ServiceDiscovery, EnablingNotifications:
		m.fail(lost)
	case Streaming:
		m.logger.Warnf("link to %s lost", addr)
		if m.canRetry() {
			m.transition(Disconnecting, lost, addr)
			m.logRelease(m.releaseCurrent())
			delay := m.opts.Retry.backoffDelay(m.retries)
			m.retries++
			m.retryCount.Add(1)
			m.scheduleRetry(delay)
			m.logger.Infof("reconnecting in %s (attempt %d)", delay, m.retries)
			m.transition(Idle, nil, "retry scheduled")
			return
		}
		m.transition(Disconnecting, nil, addr)
		m.logRelease(m.releaseCurrent())
		m.transition(Failed, lost, "")
	}
}

func (m *Manager) canRetry() bool {
	p := m.opts.Retry
	if !p.Enabled {
		return false
	}
	return p.MaxAttempts <= 0 || m.retries < p.MaxAttempts
}

func (m *Manager) scheduleRetry(delay time.Duration) {
	m.retrySeq++
	seq := m.retrySeq
	m.retryTimer = m.clock.AfterFunc(delay, func() {
		m.post(retryDue{seq: seq})
	})
}

func (m *Manager) cancelRetry() {
	m.retrySeq++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) handleRetryDue(ev retryDue) {
	if ev.seq != m.retrySeq || m.state != Idle {
		return
	}
	m.retryTimer = nil
	if err := m.beginAttempt(); err != nil {
		m.transition(Failed, err, "retry")
	}
}

// fail releases the attempt and enters Failed with err as the reason.
func (m *Manager) fail(err error) {
	m.logRelease(m.releaseCurrent())
	m.transition(Failed, err, "")
}

func (m *Manager) releaseCurrent() error {
	if m.cur == nil {
		return nil
	}
	err := m.cur.release()
	m.cur = nil
	return err
}

func (m *Manager) logRelease(err error) {
	for _, e := range multierr.Errors(err) {
		m.logger.Warnf("release: %v", e)
	}
}

func (m *Manager) transition(to State, err error, detail string) {
	from := m.state
	if !CanTransition(from, to) {
		m.logger.Errorf("illegal transition %s -> %s ignored", from, to)
		return
	}
	m.state = to

	reason := error(nil)
	if to == Failed {
		reason = err
	}
	m.mu.Lock()
	m.status = Status{State: to, Reason: reason}
	m.mu.Unlock()

	ev := StatusEvent{
		From:    from,
		To:      to,
		Err:     err,
		Kind:    Classify(err),
		Detail:  detail,
		At:      m.clock.Now(),
		Attempt: m.gen,
	}
	if err != nil {
		m.logger.Infof("%s", ev)
	} else {
		m.logger.Debugf("%s", ev)
	}
	m.sink.OnStatus(ev)
}

// report publishes a non-transition event carrying err.
func (m *Manager) report(err error, detail string) {
	m.sink.OnStatus(StatusEvent{
		From:    m.state,
		To:      m.state,
		Err:     err,
		Kind:    Classify(err),
		Detail:  detail,
		At:      m.clock.Now(),
		Attempt: m.gen,
	})
}
