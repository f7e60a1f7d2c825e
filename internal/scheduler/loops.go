package scheduler

import (
	"context"
	"time"

	pshotel "github.com/optimatist/psh/internal/otel"
	"github.com/optimatist/psh/internal/types"
)

// heartbeatLoop sends a heartbeat at start and then on every tick. Failures
// are logged and retried on the next tick.
func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		s.sendHeartbeat(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) sendHeartbeat(ctx context.Context) {
	now := s.nowFunc()
	payload := types.HeartbeatPayload{
		InstanceID:  s.cfg.InstanceID,
		ActiveTasks: s.ActiveTasks(),
		SentAtMs:    now.UnixMilli(),
	}
	if err := s.client.Heartbeat(ctx, payload); err != nil {
		if ctx.Err() == nil {
			s.events.LogHeartbeatFailed(payload.ActiveTasks, err.Error())
		}
		return
	}
	pshotel.GetGlobalMetrics().SetLastHeartbeat(now)
}

// hostInfoLoop registers the host at start and then every
// HostInfoInterval.
func (s *Scheduler) hostInfoLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HostInfoInterval)
	defer ticker.Stop()

	for {
		_ = s.sendHostInfo(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) sendHostInfo(ctx context.Context) error {
	info := s.hostInfo(s.cfg.InstanceID)
	err := s.client.SendHostInfo(ctx, info)
	if err != nil && ctx.Err() != nil {
		return err
	}
	s.events.LogHostInfoSent(info.Hostname, info.Architecture, err)
	return err
}
