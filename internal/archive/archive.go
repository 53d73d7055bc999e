// Package archive moves the previous day's per-second buckets from the hot
// store into durable storage once a day.
//
// The sweep drains the day's keys first and then writes the records in one
// bulk insert. When decoding or the insert fails, the drained entries are
// restored into the hot store before the error is returned, so the day can
// be archived again. A process crash between drain and insert still loses
// the day.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/candlekeeper/internal/candle"
	"github.com/navid-fn/candlekeeper/internal/metrics"
	"github.com/navid-fn/candlekeeper/internal/storage/models"
	"github.com/navid-fn/candlekeeper/internal/store"
)

const restoreTimeout = 30 * time.Second

var (
	// ErrNoDataFound means the day had no buckets. It is informational.
	ErrNoDataFound = errors.New("archive: no data found")

	// ErrBackupFailed matches every *BackupError.
	ErrBackupFailed = errors.New("archive: backup failed")

	// ErrArchiveInProgress is returned when a sweep is already running.
	ErrArchiveInProgress = errors.New("archive: sweep already in progress")
)

// BackupError is a failed sweep. Restored reports whether the drained
// entries were put back into the hot store.
type BackupError struct {
	Day        string
	Stage      string // drain, decode or write
	Restored   bool
	RestoreErr error
	Err        error
}

func (e *BackupError) Error() string {
	msg := fmt.Sprintf("archive %s: %s: %v", e.Day, e.Stage, e.Err)
	if e.RestoreErr != nil {
		msg += fmt.Sprintf(" (restore failed: %v)", e.RestoreErr)
	}
	return msg
}

func (e *BackupError) Unwrap() error { return e.Err }

func (e *BackupError) Is(target error) bool { return target == ErrBackupFailed }

// Source is the hot store side of the sweep.
type Source interface {
	SecondsPattern(day time.Time) string
	DrainAndClear(ctx context.Context, pattern string) ([]store.DrainedBucket, error)
	Restore(ctx context.Context, buckets []store.DrainedBucket) error
}

// Sink is the durable archive.
type Sink interface {
	CreateArchiveRecords(ctx context.Context, records []*models.ArchiveRecord) error
}

// State is the sweep state reported by Service.State.
type State int32

const (
	Idle State = iota
	Archiving
)

func (s State) String() string {
	if s == Archiving {
		return "archiving"
	}
	return "idle"
}

// Service runs archival sweeps. At most one sweep runs at a time.
type Service struct {
	source  Source
	sink    Sink
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time

	running sync.Mutex
	state   atomic.Int32
}

// New returns an idle Service moving source buckets into sink.
func New(source Source, sink Sink, logger logrus.FieldLogger, m *metrics.Metrics) *Service {
	return &Service{
		source:  source,
		sink:    sink,
		logger:  logger.WithField("component", "archive"),
		metrics: m,
		now:     time.Now,
	}
}

// State reports whether a sweep is running.
func (s *Service) State() State { return State(s.state.Load()) }

// PreviousDay is yesterday in the reference zone.
func (s *Service) PreviousDay() time.Time {
	return s.now().In(candle.Zone).AddDate(0, 0, -1)
}

// ArchivePreviousDay archives yesterday and returns the number of records
// written.
func (s *Service) ArchivePreviousDay(ctx context.Context) (int, error) {
	return s.ArchiveDay(ctx, s.PreviousDay())
}

// ArchiveDay archives the seconds buckets of day.
func (s *Service) ArchiveDay(ctx context.Context, day time.Time) (int, error) {
	if !s.running.TryLock() {
		return 0, ErrArchiveInProgress
	}
	defer s.running.Unlock()
	s.state.Store(int32(Archiving))
	defer s.state.Store(int32(Idle))

	label := candle.Day(day)
	log := s.logger.WithField("day", label)
	start := s.now()

	buckets, err := s.source.DrainAndClear(ctx, s.source.SecondsPattern(day))
	if err != nil {
		return 0, s.fail(ctx, log, &BackupError{Day: label, Stage: "drain", Err: err}, buckets)
	}
	if len(buckets) == 0 {
		s.metrics.ArchiveRuns.WithLabelValues("empty").Inc()
		return 0, ErrNoDataFound
	}

	records, err := decode(buckets, start)
	if err != nil {
		return 0, s.fail(ctx, log, &BackupError{Day: label, Stage: "decode", Err: err}, buckets)
	}

	if err := s.sink.CreateArchiveRecords(ctx, records); err != nil {
		return 0, s.fail(ctx, log, &BackupError{Day: label, Stage: "write", Err: err}, buckets)
	}

	s.metrics.ArchiveRuns.WithLabelValues("success").Inc()
	s.metrics.ArchivedRecords.Add(float64(len(records)))
	log.WithFields(logrus.Fields{
		"buckets":  len(buckets),
		"records":  len(records),
		"duration": time.Since(start),
	}).Info("Day archived")
	return len(records), nil
}

func decode(buckets []store.DrainedBucket, archivedAt time.Time) ([]*models.ArchiveRecord, error) {
	var records []*models.ArchiveRecord
	for _, b := range buckets {
		key, _, err := store.ParseBucketKey(b.Key)
		if err != nil {
			return nil, err
		}
		for _, e := range b.Entries {
			var c candle.Candle
			if err := json.Unmarshal([]byte(e.Member), &c); err != nil {
				return nil, fmt.Errorf("%s at %d: %w", b.Key, int64(e.Score), err)
			}
			if err := c.Validate(); err != nil {
				return nil, fmt.Errorf("%s at %d: %w", b.Key, int64(e.Score), err)
			}
			records = append(records, models.NewArchiveRecord(b.Key, key, c, archivedAt))
		}
	}
	return records, nil
}

// fail puts the drained buckets back, even when ctx is already cancelled.
func (s *Service) fail(ctx context.Context, log logrus.FieldLogger, be *BackupError, buckets []store.DrainedBucket) error {
	if len(buckets) > 0 {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
		defer cancel()
		if err := s.source.Restore(rctx, buckets); err != nil {
			be.RestoreErr = err
		} else {
			be.Restored = true
		}
	}

	s.metrics.ArchiveRuns.WithLabelValues("failed").Inc()
	log.WithError(be.Err).WithFields(logrus.Fields{
		"stage":    be.Stage,
		"buckets":  len(buckets),
		"restored": be.Restored,
	}).Error("Archive failed")
	return be
}

// Name and Run make the service a daily scheduler task.
func (s *Service) Name() string { return "archive" }

// Run archives the previous day. A day without data is logged, not failed.
func (s *Service) Run(ctx context.Context) error {
	n, err := s.ArchivePreviousDay(ctx)
	switch {
	case errors.Is(err, ErrNoDataFound):
		s.logger.WithField("day", candle.Day(s.PreviousDay())).Info("No data to archive")
		return nil
	case err != nil:
		return err
	}
	s.logger.WithField("records", n).Debug("Daily archive finished")
	return nil
}
