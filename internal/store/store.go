package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vzahanych/fallwatch/internal/logger"
)

// Store is the persistence layer over Database
type Store struct {
	db     *Database
	logger *logger.Logger
	mu     sync.RWMutex
}

// VideoRecord is the persisted form of a library item.
type VideoRecord struct {
	ID               string
	Position         int
	OriginalPath     string
	ProcessedPath    string
	ShowingProcessed bool
	Thumbnail        []byte
	TimeCodes        []float64
}

// RunRecord is one processing run.
type RunRecord struct {
	ID          string
	VideoID     string
	SourcePath  string
	OutputPath  string
	State       string
	Error       string
	Frames      int
	Submissions int
	TimeCodes   int
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// New opens (or creates) the database at dbPath
func New(dbPath string, log *logger.Logger) (*Store, error) {
	db, err := NewDatabase(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create database")
	}

	log.Debug("Store opened", "path", dbPath)
	return &Store{db: db, logger: log}, nil
}

// Close closes the store and database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.GetDB().PingContext(ctx), "database ping failed")
}

// SaveVideo saves or updates a video. Timecodes are not touched; use
// AppendTimeCodes.
func (s *Store) SaveVideo(ctx context.Context, v VideoRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO videos (id, position, original_path, processed_path, showing_processed, thumbnail, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			position = excluded.position,
			original_path = excluded.original_path,
			processed_path = excluded.processed_path,
			showing_processed = excluded.showing_processed,
			thumbnail = excluded.thumbnail,
			updated_at = excluded.updated_at
	`

	_, err := s.db.GetDB().ExecContext(ctx, query,
		v.ID, v.Position, v.OriginalPath, nullString(v.ProcessedPath), v.ShowingProcessed, v.Thumbnail, time.Now(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save video %s", v.ID)
	}
	return nil
}

// DeleteVideo deletes a video and its timecodes
func (s *Store) DeleteVideo(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.GetDB().ExecContext(ctx, `DELETE FROM videos WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to delete video %s", id)
	}
	return nil
}

// AppendTimeCodes appends timecodes to a video in order
func (s *Store) AppendTimeCodes(ctx context.Context, videoID string, seconds []float64) error {
	if len(seconds) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO timecodes (video_id, seconds) VALUES (?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare statement")
	}
	defer stmt.Close()

	for _, sec := range seconds {
		if _, err := stmt.ExecContext(ctx, videoID, sec); err != nil {
			return errors.Wrapf(err, "failed to append timecode for %s", videoID)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit timecodes")
}

// ListVideos lists all videos in collection order, with their timecodes
func (s *Store) ListVideos(ctx context.Context) ([]VideoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.GetDB().QueryContext(ctx, `
		SELECT id, position, original_path, processed_path, showing_processed, thumbnail
		FROM videos ORDER BY position, created_at
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list videos")
	}
	defer rows.Close()

	var videos []VideoRecord
	index := make(map[string]int)
	for rows.Next() {
		var v VideoRecord
		var processed sql.NullString
		if err := rows.Scan(&v.ID, &v.Position, &v.OriginalPath, &processed, &v.ShowingProcessed, &v.Thumbnail); err != nil {
			return nil, errors.Wrap(err, "failed to scan video")
		}
		v.ProcessedPath = processed.String
		index[v.ID] = len(videos)
		videos = append(videos, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Single connection: release it before the next query.
	rows.Close()

	tcRows, err := s.db.GetDB().QueryContext(ctx, `SELECT video_id, seconds FROM timecodes ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list timecodes")
	}
	defer tcRows.Close()

	for tcRows.Next() {
		var videoID string
		var sec float64
		if err := tcRows.Scan(&videoID, &sec); err != nil {
			return nil, errors.Wrap(err, "failed to scan timecode")
		}
		if i, ok := index[videoID]; ok {
			videos[i].TimeCodes = append(videos[i].TimeCodes, sec)
		}
	}

	return videos, tcRows.Err()
}

// SaveRun saves or updates a run
func (s *Store) SaveRun(ctx context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO runs (id, video_id, source_path, output_path, state, error, frames, submissions, timecodes, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			output_path = excluded.output_path,
			state = excluded.state,
			error = excluded.error,
			frames = excluded.frames,
			submissions = excluded.submissions,
			timecodes = excluded.timecodes,
			finished_at = excluded.finished_at
	`

	var finished interface{}
	if r.FinishedAt != nil {
		finished = r.FinishedAt.UTC()
	}

	_, err := s.db.GetDB().ExecContext(ctx, query,
		r.ID, r.VideoID, r.SourcePath, nullString(r.OutputPath), r.State, nullString(r.Error),
		r.Frames, r.Submissions, r.TimeCodes, r.StartedAt.UTC(), finished,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save run %s", r.ID)
	}
	return nil
}

// ListRuns lists the most recent runs first. limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, video_id, source_path, output_path, state, error, frames, submissions, timecodes, started_at, finished_at
		FROM runs ORDER BY started_at DESC
	`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var output, runErr sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.VideoID, &r.SourcePath, &output, &r.State, &runErr,
			&r.Frames, &r.Submissions, &r.TimeCodes, &r.StartedAt, &finished); err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		r.OutputPath = output.String
		r.Error = runErr.String
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// SaveSystemState saves a system state value
func (s *Store) SaveSystemState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.GetDB().ExecContext(ctx, query, key, value, time.Now()); err != nil {
		return errors.Wrap(err, "failed to save system state")
	}
	return nil
}

// GetSystemState retrieves a system state value ("" when unset)
func (s *Store) GetSystemState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.GetDB().QueryRowContext(ctx, `SELECT value FROM system_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to get system state")
	}
	return value, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
