package convstore

import (
	"fmt"
	"time"
)

// Start launches the periodic sweep. Calling Start on a running or destroyed
// store does nothing.
func (s *Store) Start() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	if s.stopSweep != nil {
		return
	}
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return
	}

	s.stopSweep = make(chan struct{})
	s.sweepDone = make(chan struct{})
	go s.sweep(s.cfg.SweepInterval, s.stopSweep, s.sweepDone)
}

// Stop halts the sweep and waits for the sweep goroutine to exit, so no
// sweep runs after Stop returns.
func (s *Store) Stop() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	if s.stopSweep == nil {
		return
	}
	close(s.stopSweep)
	<-s.sweepDone
	s.stopSweep = nil
	s.sweepDone = nil
}

func (s *Store) sweep(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// A tick and a stop can be ready together; stop wins.
			select {
			case <-stop:
				return
			default:
			}
			s.runCleanup()
		case <-stop:
			return
		}
	}
}

// runCleanup keeps a failing sweep from taking the process down.
func (s *Store) runCleanup() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Err(fmt.Errorf("%v", r)).Msg("Store cleanup failed")
		}
	}()
	s.cleanupFn()
}
