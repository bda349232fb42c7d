package ble

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/Clair88860/basic/internal/logging"
)

// Filter selects the peripheral among advertising devices.
type Filter struct {
	// Name is matched as a substring of the advertised local name.
	Name string
	// ServiceUUID is the advertised service to look for.
	ServiceUUID string
	// RequireService makes ServiceUUID membership part of the match.
	RequireService bool
}

// Match applies the filter to one sighting.
func (f Filter) Match(a Advertisement) bool {
	if f.Name != "" && !strings.Contains(a.Name, f.Name) {
		return false
	}
	if f.RequireService {
		if f.ServiceUUID == "" {
			return false
		}
		advertised := mapset.NewThreadUnsafeSet[string]()
		for _, s := range a.Services {
			advertised.Add(NormalizeUUID(s))
		}
		if !advertised.Contains(NormalizeUUID(f.ServiceUUID)) {
			return false
		}
	}
	return f.Name != "" || f.RequireService
}

// Candidate is the peripheral accepted by a scan session.
type Candidate struct {
	Address string
	Name    string
	Match   bool
}

// ScanSession waits for the first sighting accepted by its filter.
type ScanSession struct {
	handle  *ScanHandle
	filter  Filter
	timeout time.Duration
	clock   clock.Clock
	logger  logging.Logger
}

// NewScanSession consumes sightings from h. A zero timeout waits until ctx ends.
func NewScanSession(h *ScanHandle, f Filter, timeout time.Duration, clk clock.Clock, logger logging.Logger) *ScanSession {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &ScanSession{handle: h, filter: f, timeout: timeout, clock: clk, logger: logger}
}

// Run returns the first matching candidate. The scan is stopped before Run
// returns, whatever the outcome.
func (s *ScanSession) Run(ctx context.Context) (Candidate, error) {
	defer s.handle.Stop()

	var expired <-chan time.Time
	if s.timeout > 0 {
		timer := s.clock.Timer(s.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	for {
		select {
		case a, ok := <-s.handle.Sightings():
			if !ok {
				if err := s.handle.Err(); err != nil {
					return Candidate{}, err
				}
				if err := ctx.Err(); err != nil {
					return Candidate{}, err
				}
				return Candidate{}, fmt.Errorf("%w: scan ended without a match", ErrTransport)
			}
			if seen.Add(a.Address) {
				s.logger.Debugf("discovered device %q/%s rssi=%d", a.Name, a.Address, a.RSSI)
			}
			if !s.filter.Match(a) {
				continue
			}
			// stop before handing the candidate out so repeated
			// advertisements cannot start a second connection
			s.handle.Stop()
			s.logger.Infof("found %q/%s", a.Name, a.Address)
			return Candidate{Address: a.Address, Name: a.Name, Match: true}, nil

		case <-expired:
			return Candidate{}, fmt.Errorf("%w: no match for %q within %s", ErrScanTimeout, s.filter.Name, s.timeout)

		case <-ctx.Done():
			return Candidate{}, ctx.Err()
		}
	}
}
