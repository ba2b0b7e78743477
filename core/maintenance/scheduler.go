// Package maintenance runs periodic housekeeping: expired session purge and
// evidence blobs that never got a metadata row.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"incidentdesk/config"
	"incidentdesk/core/blob"
	"incidentdesk/core/metrics"
	"incidentdesk/core/store"
	"incidentdesk/core/utils"

	"github.com/robfig/cron/v3"
)

const (
	JobSessionPurge = "session_purge"
	JobOrphanSweep  = "orphan_sweep"
)

// SessionPurger deletes expired sessions and reports how many went away.
type SessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type Scheduler struct {
	cfg      config.SchedulerConfig
	sessions SessionPurger
	evidence store.EvidenceStore
	blobs    blob.Store
	logger   *utils.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

func NewScheduler(cfg config.SchedulerConfig, sessions SessionPurger, evidence store.EvidenceStore, blobs blob.Store, logger *utils.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, sessions: sessions, evidence: evidence, blobs: blobs, logger: logger, now: utils.NowUTC}
}

func (s *Scheduler) StartWithContext(ctx context.Context) {
	if s == nil || !s.cfg.Enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	var cronLogger cron.Logger = cron.DiscardLogger
	if s.logger != nil {
		cronLogger = cron.PrintfLogger(s.logger)
	}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cronLogger), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	if _, err := c.AddFunc(s.cfg.SessionPurgeSpec, func() { s.runJob(JobSessionPurge) }); err != nil {
		s.logf("maintenance: bad %s spec %q: %v", JobSessionPurge, s.cfg.SessionPurgeSpec, err)
	}
	if _, err := c.AddFunc(s.cfg.OrphanSweepSpec, func() { s.runJob(JobOrphanSweep) }); err != nil {
		s.logf("maintenance: bad %s spec %q: %v", JobOrphanSweep, s.cfg.OrphanSweepSpec, err)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = c
	s.running = true
	c.Start()
}

func (s *Scheduler) StopWithContext(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	wasRunning := s.running
	s.cron = nil
	s.cancel = nil
	s.running = false
	s.mu.Unlock()
	if !wasRunning || c == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runJob(job string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	var err error
	switch job {
	case JobSessionPurge:
		_, err = s.PurgeSessions(ctx)
	case JobOrphanSweep:
		_, err = s.SweepOrphans(ctx)
	}
	if err != nil {
		s.logf("maintenance %s: %v", job, err)
	}
}

// PurgeSessions deletes sessions past their expiry.
func (s *Scheduler) PurgeSessions(ctx context.Context) (int64, error) {
	if s.sessions == nil {
		return 0, nil
	}
	n, err := s.sessions.PurgeExpired(ctx)
	if err != nil {
		metrics.MaintenanceRuns.WithLabelValues(JobSessionPurge, "error").Inc()
		return 0, err
	}
	metrics.MaintenanceRuns.WithLabelValues(JobSessionPurge, "ok").Inc()
	if n > 0 && s.logger != nil {
		s.logger.Printf("maintenance: purged %d expired sessions", n)
	}
	return n, nil
}

// SweepOrphans removes blobs older than the grace period that no evidence row
// references. These are left behind when the process dies between upload and
// metadata insert.
func (s *Scheduler) SweepOrphans(ctx context.Context) (int, error) {
	if s.blobs == nil || s.evidence == nil {
		return 0, nil
	}
	grace := s.cfg.OrphanGrace
	if grace <= 0 {
		grace = time.Hour
	}
	cutoff := s.now().Add(-grace)
	objects, err := s.blobs.List(ctx, "")
	if err != nil {
		metrics.MaintenanceRuns.WithLabelValues(JobOrphanSweep, "error").Inc()
		return 0, fmt.Errorf("list blobs: %w", err)
	}
	removed := 0
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if obj.ModTime.After(cutoff) {
			continue
		}
		referenced, err := s.evidence.ExistsByPath(ctx, obj.Key)
		if err != nil {
			metrics.MaintenanceRuns.WithLabelValues(JobOrphanSweep, "error").Inc()
			return removed, fmt.Errorf("lookup %s: %w", obj.Key, err)
		}
		if referenced {
			continue
		}
		if err := s.blobs.Delete(ctx, obj.Key); err != nil {
			s.logf("maintenance: delete orphan %s: %v", obj.Key, err)
			continue
		}
		removed++
	}
	metrics.MaintenanceRuns.WithLabelValues(JobOrphanSweep, "ok").Inc()
	if removed > 0 && s.logger != nil {
		s.logger.Printf("maintenance: removed %d orphan evidence blobs", removed)
	}
	return removed, nil
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Errorf(format, args...)
	}
}
