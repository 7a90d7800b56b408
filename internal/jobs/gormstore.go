package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/paveldudka/async-job-scheduler/internal/logger"
)

// jobRecord is the persisted row shape. Progress and Result are stored as
// JSON so the schema stays stable while those values evolve.
type jobRecord struct {
	ID            string `gorm:"primaryKey"`
	Seq           int64  `gorm:"autoIncrement;uniqueIndex"`
	Name          string
	State         string `gorm:"index"`
	CreatedAt     time.Time
	FinishedAt    *time.Time
	AttemptsMade  int
	FailureReason string
	Progress      datatypes.JSON
	Result        datatypes.JSON
}

func (jobRecord) TableName() string { return "jobs" }

// GormStore persists jobs through GORM (SQLite or Postgres). Update runs
// its mutator inside a transaction, with a row lock on dialects that
// support one, so a per-id mutation is atomic.
type GormStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGormStore(db *gorm.DB, log *logger.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&jobRecord{}); err != nil {
		return nil, fmt.Errorf("migrate jobs table: %w", err)
	}
	return &GormStore{db: db, log: log.With("component", "GormStore")}, nil
}

func (s *GormStore) Create(ctx context.Context, job *Job) error {
	rec, err := toRecord(job)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Create(rec).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadyExists
	}
	return err
}

func (s *GormStore) Get(ctx context.Context, id string) (*Job, error) {
	var rec jobRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

func (s *GormStore) ListByState(ctx context.Context, state State, offset, limit int) ([]*Job, error) {
	q := s.db.WithContext(ctx).Where("state = ?", state)
	if state.Terminal() {
		q = q.Order("finished_at DESC")
	} else {
		q = q.Order("seq ASC")
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []jobRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(recs))
	for i := range recs {
		job, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *GormStore) Update(ctx context.Context, id string, fn func(*Job)) (*Job, error) {
	var updated *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		// SQLite serializes writers on its own and rejects FOR UPDATE.
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var rec jobRecord
		if err := q.First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		job, err := fromRecord(&rec)
		if err != nil {
			return err
		}
		fn(job)
		next, err := toRecord(job)
		if err != nil {
			return err
		}
		next.Seq = rec.Seq
		if err := tx.Model(&jobRecord{}).Where("id = ?", id).Select("*").Omit("seq").Updates(next).Error; err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *GormStore) Remove(ctx context.Context, id string, when func(*Job) bool) (*Job, bool, error) {
	var job *Job
	removed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var rec jobRecord
		if err := q.First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		j, err := fromRecord(&rec)
		if err != nil {
			return err
		}
		job = j
		if when != nil && !when(j) {
			return nil
		}
		if err := tx.Delete(&jobRecord{}, "id = ?", id).Error; err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return job, removed, nil
}

func (s *GormStore) CountByState(ctx context.Context) (map[State]int, error) {
	type row struct {
		State string
		N     int
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&jobRecord{}).
		Select("state, count(*) as n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[State]int, len(States))
	for _, state := range States {
		counts[state] = 0
	}
	for _, r := range rows {
		counts[State(r.State)] = r.N
	}
	return counts, nil
}

func toRecord(job *Job) (*jobRecord, error) {
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return nil, err
	}
	result, err := json.Marshal(job.Result)
	if err != nil {
		return nil, err
	}
	return &jobRecord{
		ID:            job.ID,
		Name:          job.Name,
		State:         string(job.State),
		CreatedAt:     job.CreatedAt,
		FinishedAt:    job.FinishedAt,
		AttemptsMade:  job.AttemptsMade,
		FailureReason: job.FailureReason,
		Progress:      datatypes.JSON(progress),
		Result:        datatypes.JSON(result),
	}, nil
}

func fromRecord(rec *jobRecord) (*Job, error) {
	job := &Job{
		ID:            rec.ID,
		Name:          rec.Name,
		State:         State(rec.State),
		CreatedAt:     rec.CreatedAt,
		FinishedAt:    rec.FinishedAt,
		AttemptsMade:  rec.AttemptsMade,
		FailureReason: rec.FailureReason,
	}
	if len(rec.Progress) > 0 {
		if err := json.Unmarshal(rec.Progress, &job.Progress); err != nil {
			return nil, err
		}
	}
	if len(rec.Result) > 0 {
		if err := json.Unmarshal(rec.Result, &job.Result); err != nil {
			return nil, err
		}
	}
	return job, nil
}
