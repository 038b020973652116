package service

import (
	"time"

	"github.com/inovachat/warelay/pkg/warelay/session"
)

// janitorTick reconciles persisted instance records with live connection
// state and refreshes last-seen timestamps for connected instances. Runs
// on the cron schedule from JanitorConfig.
func (s *Service) janitorTick() {
	live := s.sessions.ListLive()
	now := time.Now().UTC()

	for _, status := range live {
		if err := s.st.SetInstanceState(s.ctx, status.Name, string(status.State)); err != nil {
			s.logger.Warn("janitor state reconcile failed", "instance", status.Name, "error", err)
			continue
		}
		if status.State == session.StateConnected {
			if err := s.st.TouchInstanceSeen(s.ctx, status.Name, now); err != nil {
				s.logger.Warn("janitor seen refresh failed", "instance", status.Name, "error", err)
			}
		}
	}
	s.logger.Debug("janitor pass complete", "live_instances", len(live))
}
