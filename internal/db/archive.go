// Package db persists terminal business events to Postgres for offline
// inspection. Writes are queued and batched off the hot path; a full queue
// drops rather than blocking a publish.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/metrics"
	"github.com/flowgate/flowgate/internal/models"
)

// Config holds the archive database settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// BatchSize and FlushInterval shape the async writer.
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

// ArchivedEvent is one row in event_archive.
type ArchivedEvent struct {
	ThreadID   string    `db:"thread_id"`
	EventUUID  string    `db:"event_uuid"`
	EventType  string    `db:"event_type"`
	State      string    `db:"state"`
	Payload    []byte    `db:"payload"`
	ArchivedAt time.Time `db:"archived_at"`
}

// Archive batches terminal events into Postgres.
type Archive struct {
	db     *sqlx.DB
	logger *zap.Logger

	batchSize     int
	flushInterval time.Duration

	queue  chan ArchivedEvent
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open connects to Postgres and starts the background writer.
func Open(cfg Config, logger *zap.Logger) (*Archive, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect archive database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newArchive(db, cfg, logger), nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sqlx.DB, cfg Config, logger *zap.Logger) *Archive {
	return newArchive(db, cfg, logger)
}

func newArchive(db *sqlx.DB, cfg Config, logger *zap.Logger) *Archive {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	a := &Archive{
		db:            db,
		logger:        logger,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan ArchivedEvent, cfg.QueueSize),
		stopCh:        make(chan struct{}),
	}
	a.wg.Add(1)
	go a.writeLoop()
	return a
}

// Save queues one terminal event. It never blocks; when the queue is full the
// event is dropped and counted.
func (a *Archive) Save(threadID string, ev *models.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		a.logger.Warn("failed to encode event for archive",
			zap.String("uuid", ev.UUID), zap.Error(err))
		return
	}
	row := ArchivedEvent{
		ThreadID:   threadID,
		EventUUID:  ev.UUID,
		EventType:  string(ev.ExecuteType),
		State:      string(ev.CurrentState),
		Payload:    payload,
		ArchivedAt: time.Now().UTC(),
	}
	select {
	case a.queue <- row:
	default:
		metrics.ArchiveDropped.Inc()
		a.logger.Warn("archive queue full, dropping event",
			zap.String("thread_id", threadID), zap.String("uuid", ev.UUID))
	}
}

// Close flushes pending rows and stops the writer.
func (a *Archive) Close() error {
	close(a.stopCh)
	a.wg.Wait()
	return a.db.Close()
}

func (a *Archive) writeLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	batch := make([]ArchivedEvent, 0, a.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := a.insertBatch(batch); err != nil {
			metrics.ArchiveErrors.Inc()
			a.logger.Error("archive batch insert failed",
				zap.Int("rows", len(batch)), zap.Error(err))
		} else {
			metrics.EventsArchived.Add(float64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case row := <-a.queue:
			batch = append(batch, row)
			if len(batch) >= a.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.stopCh:
			// drain whatever is already queued
			for {
				select {
				case row := <-a.queue:
					batch = append(batch, row)
					if len(batch) >= a.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

const insertEvent = `
	INSERT INTO event_archive (thread_id, event_uuid, event_type, state, payload, archived_at)
	VALUES (:thread_id, :event_uuid, :event_type, :state, :payload, :archived_at)
	ON CONFLICT (thread_id, event_uuid) DO UPDATE
	SET state = EXCLUDED.state, payload = EXCLUDED.payload, archived_at = EXCLUDED.archived_at`

func (a *Archive) insertBatch(rows []ArchivedEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	for _, row := range rows {
		if _, err := tx.NamedExecContext(ctx, insertEvent, row); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert archived event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}

// Recent returns the latest archived events for a thread, newest first.
func (a *Archive) Recent(ctx context.Context, threadID string, limit int) ([]ArchivedEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []ArchivedEvent
	err := a.db.SelectContext(ctx, &out,
		`SELECT thread_id, event_uuid, event_type, state, payload, archived_at
		 FROM event_archive WHERE thread_id = $1
		 ORDER BY archived_at DESC LIMIT $2`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	return out, nil
}
