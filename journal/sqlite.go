// Package journal persists terminal runs to SQLite so they outlive the
// in-memory registry.
package journal

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/internal/logger"
	"github.com/smallnest/clawrun/runs"
	"github.com/smallnest/clawrun/stream"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// record is the row layout of a journaled run.
type record struct {
	ID         string `gorm:"primaryKey;size:64"`
	SessionID  string `gorm:"index;size:255"`
	Status     string `gorm:"index;size:16"`
	Mode       string `gorm:"size:16"`
	Source     string `gorm:"size:128"`
	Internal   bool
	Message    string
	ImagePath  string
	ImageURL   string
	DedupeKey  string `gorm:"size:255"`
	Position   int
	Error      string
	ErrorKind  string `gorm:"size:32"`
	ResultText string
	ToolEvents string
	CreatedAt  time.Time `gorm:"index"`
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func (record) TableName() string { return "runs" }

// SQLite is a runs.Journal backed by a SQLite file.
type SQLite struct {
	db  *gorm.DB
	log *logger.FieldLogger
}

// Open opens (or creates) the journal at path and migrates its schema.
func Open(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}

	j := &SQLite{db: db, log: logger.Component("journal")}
	j.log.Info("Journal opened", zap.String("path", path))
	return j, nil
}

// Record upserts a run snapshot.
func (j *SQLite) Record(ctx context.Context, run *runs.Run) error {
	rec, err := toRecord(run)
	if err != nil {
		return err
	}
	if err := j.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("failed to journal run %s: %w", run.ID, err)
	}
	return nil
}

// Get loads one journaled run.
func (j *SQLite) Get(ctx context.Context, id string) (*runs.Run, error) {
	var rec record
	err := j.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("run '" + id + "'").WithContext("run_id", id)
		}
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return fromRecord(&rec), nil
}

// List returns journaled runs most recent first.
func (j *SQLite) List(ctx context.Context, filter runs.Filter) ([]*runs.Run, error) {
	q := j.db.WithContext(ctx).Model(&record{}).Order("created_at DESC")
	if filter.SessionID != "" {
		q = q.Where("session_id = ?", filter.SessionID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []record
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := make([]*runs.Run, 0, len(recs))
	for i := range recs {
		out = append(out, fromRecord(&recs[i]))
	}
	return out, nil
}

// CountByStatus returns how many runs ended in each status.
func (j *SQLite) CountByStatus(ctx context.Context, sessionID string) (map[runs.Status]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	q := j.db.WithContext(ctx).Model(&record{}).Select("status, count(*) as n").Group("status")
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}

	var rows []row
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	out := make(map[runs.Status]int64, len(rows))
	for _, r := range rows {
		out[runs.Status(r.Status)] = r.N
	}
	return out, nil
}

// Close releases the database handle.
func (j *SQLite) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(run *runs.Run) (*record, error) {
	rec := &record{
		ID:         run.ID,
		SessionID:  run.SessionID,
		Status:     string(run.Status),
		Mode:       string(run.Mode),
		Source:     run.Source,
		Internal:   run.Internal,
		Message:    run.Message,
		ImagePath:  run.ImagePath,
		ImageURL:   run.ImageURL,
		DedupeKey:  run.DedupeKey,
		Position:   run.Position,
		Error:      run.Error,
		ErrorKind:  run.ErrorKind,
		CreatedAt:  run.CreatedAt,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if run.Result != nil {
		rec.ResultText = run.Result.Text
		if len(run.Result.ToolEvents) > 0 {
			data, err := json.Marshal(run.Result.ToolEvents)
			if err != nil {
				return nil, fmt.Errorf("failed to encode tool events: %w", err)
			}
			rec.ToolEvents = string(data)
		}
	}
	return rec, nil
}

func fromRecord(rec *record) *runs.Run {
	run := &runs.Run{
		ID:         rec.ID,
		SessionID:  rec.SessionID,
		Status:     runs.Status(rec.Status),
		Mode:       runs.Mode(rec.Mode),
		Source:     rec.Source,
		Internal:   rec.Internal,
		Message:    rec.Message,
		ImagePath:  rec.ImagePath,
		ImageURL:   rec.ImageURL,
		DedupeKey:  rec.DedupeKey,
		Position:   rec.Position,
		Error:      rec.Error,
		ErrorKind:  rec.ErrorKind,
		CreatedAt:  rec.CreatedAt,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}
	if run.Status == runs.StatusCompleted || rec.ResultText != "" || rec.ToolEvents != "" {
		res := &runs.Result{Text: rec.ResultText}
		if rec.ToolEvents != "" {
			var events []stream.Event
			if err := json.Unmarshal([]byte(rec.ToolEvents), &events); err == nil {
				res.ToolEvents = events
			}
		}
		run.Result = res
	}
	return run
}
