package store

import (
	"time"
)

// StartCheckpoints starts a goroutine that calls FlushAll every interval.
func (s *Store) StartCheckpoints(interval time.Duration) {
	if s.checkpointStop != nil {
		return // already running
	}
	s.checkpointStop = make(chan struct{})
	s.checkpointDone = make(chan struct{})

	go func() {
		defer close(s.checkpointDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.checkpointStop:
				return
			case <-ticker.C:
				if err := s.flushAll(); err != nil {
					s.logger.Error().Err(err).Msg("checkpoint failed")
				}
			}
		}
	}()

	s.logger.Info().Dur("interval", interval).Msg("started checkpoints")
}

// StopCheckpoints stops the checkpoint goroutine and waits for a running
// checkpoint to finish.
func (s *Store) StopCheckpoints() {
	if s.checkpointStop == nil {
		return
	}
	close(s.checkpointStop)
	<-s.checkpointDone
	s.checkpointStop = nil
	s.checkpointDone = nil
	s.logger.Info().Msg("stopped checkpoints")
}
