// Package deadletter stores jobs that exhausted their retries (or could never
// succeed) so an operator can inspect and requeue them.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/joao-fontenele/courier-dispatch/internal/clock"
	"github.com/joao-fontenele/courier-dispatch/internal/messaging"
)

var ErrNotFound = errors.New("dead letter not found")

// Record is the persisted form of a dead letter.
type Record struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	JobID        string     `gorm:"index" json:"job_id"`
	Queue        string     `gorm:"index" json:"queue"`
	Kind         string     `json:"kind"`
	PartitionKey string     `json:"partition_key"`
	Envelope     []byte     `gorm:"type:bytea" json:"envelope"`
	Error        string     `json:"error"`
	Attempts     int        `json:"attempts"`
	FailedAt     time.Time  `gorm:"index" json:"failed_at"`
	RequeuedAt   *time.Time `json:"requeued_at,omitempty"`
}

func (Record) TableName() string {
	return "dead_letters"
}

// Open connects gorm to the same database the rest of the service uses.
func Open(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

type Repository struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewRepository(db *gorm.DB, clk clock.Clock) *Repository {
	return &Repository{db: db, clock: clk}
}

// Record implements messaging.DeadLetterSink.
func (r *Repository) Record(ctx context.Context, dl messaging.DeadLetter) error {
	rec := Record{
		ID:           uuid.New(),
		JobID:        dl.JobID,
		Queue:        dl.Queue,
		Kind:         dl.Kind,
		PartitionKey: dl.Key,
		Envelope:     dl.Envelope,
		Error:        dl.Error,
		Attempts:     dl.Attempts,
		FailedAt:     dl.FailedAt,
	}
	return r.db.WithContext(ctx).Create(&rec).Error
}

type ListFilter struct {
	Queue string
	// Pending limits the result to letters that were not requeued yet.
	Pending bool
	Limit   int
}

func (r *Repository) List(ctx context.Context, f ListFilter) ([]Record, error) {
	q := r.db.WithContext(ctx).Order("failed_at DESC")
	if f.Queue != "" {
		q = q.Where("queue = ?", f.Queue)
	}
	if f.Pending {
		q = q.Where("requeued_at IS NULL")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var records []Record
	if err := q.Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	var rec Record
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

// MarkRequeued stamps the letter once; it reports false if it was already requeued.
func (r *Repository) MarkRequeued(ctx context.Context, id uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ? AND requeued_at IS NULL", id).
		Update("requeued_at", r.clock.Now())
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
