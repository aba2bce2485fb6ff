package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// JournalArchiver uploads new audit entries to long-term storage.
type JournalArchiver interface {
	Archive(ctx context.Context) (domain.ArchiveResult, error)
}

// JournalService archives the decision journal on a cron schedule. Runs
// never overlap; a tick that fires while the previous one is still uploading
// is skipped.
type JournalService struct {
	archiver JournalArchiver
	spec     string
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last domain.ArchiveResult
	runs int
}

// NewJournalService creates a JournalService. spec is a standard five-field
// cron expression or a descriptor such as "@every 15m".
func NewJournalService(archiver JournalArchiver, spec string, timeout time.Duration, logger *slog.Logger) *JournalService {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &JournalService{
		archiver: archiver,
		spec:     spec,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "journal")),
	}
}

// Run schedules archive passes until ctx is cancelled, then waits for a
// running pass to finish and archives once more so the tail is not lost.
func (s *JournalService) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.spec, func() { _, _ = s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("journal: schedule %q: %w", s.spec, err)
	}

	s.logger.InfoContext(ctx, "journal: scheduler started", slog.String("schedule", s.spec))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	// Final pass on a fresh context; the parent is already cancelled.
	flushCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, _ = s.RunOnce(flushCtx)
	s.logger.Info("journal: scheduler stopped")
	return nil
}

// RunOnce performs one archive pass.
func (s *JournalService) RunOnce(ctx context.Context) (domain.ArchiveResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.archiver.Archive(ctx)

	s.mu.Lock()
	s.runs++
	if err == nil || res.Entries > 0 {
		s.last = res
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.ErrorContext(ctx, "journal: archive failed",
			slog.Int("entries", res.Entries),
			slog.Int64("last_id", res.LastID),
			slog.String("error", err.Error()),
		)
		return res, fmt.Errorf("journal: archive: %w", err)
	}
	if res.Entries > 0 {
		s.logger.InfoContext(ctx, "journal: archived",
			slog.Int("entries", res.Entries),
			slog.Int("files", len(res.Files)),
			slog.Int64("last_id", res.LastID),
			slog.Duration("took", time.Since(start)),
		)
	}
	return res, nil
}

// Last returns the most recent archive result and the number of passes run.
func (s *JournalService) Last() (domain.ArchiveResult, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.runs
}
