package spool

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sungrow-telemetry/internal/telemetry"
)

// Spool is a durable FIFO queue of samples backed by a single SQLite file.
// Samples survive process restarts and are only removed by an explicit Ack
// after the server has confirmed receipt. WAL journaling keeps the poll
// loop's enqueues and the upload loop's reads from blocking each other.
type Spool struct {
	db *gorm.DB
}

type record struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	Payload    []byte    `gorm:"not null"`
	EnqueuedAt time.Time `gorm:"not null"`
}

func (record) TableName() string {
	return "spool"
}

// Item is a spooled sample together with the queue ID needed to ack it.
type Item struct {
	ID     int64
	Sample telemetry.Sample
}

func Open(path string) (*Spool, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_journal_mode=WAL"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}

	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate spool: %w", err)
	}

	return &Spool{db: db}, nil
}

// Enqueue appends one sample to the tail of the queue.
func (s *Spool) Enqueue(sample *telemetry.Sample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to encode sample: %w", err)
	}

	if err := s.db.Create(&record{Payload: payload, EnqueuedAt: time.Now().UTC()}).Error; err != nil {
		return fmt.Errorf("failed to enqueue sample: %w", err)
	}
	return nil
}

// Peek returns up to limit samples from the head of the queue without
// removing them.
func (s *Spool) Peek(limit int) ([]Item, error) {
	var records []record
	if err := s.db.Order("id asc").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}

	items := make([]Item, 0, len(records))
	for _, r := range records {
		var sample telemetry.Sample
		if err := json.Unmarshal(r.Payload, &sample); err != nil {
			return nil, fmt.Errorf("failed to decode spooled sample %d: %w", r.ID, err)
		}
		items = append(items, Item{ID: r.ID, Sample: sample})
	}
	return items, nil
}

// Ack removes the given queue IDs. Called only after a successful upload.
func (s *Spool) Ack(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.Delete(&record{}, ids).Error; err != nil {
		return fmt.Errorf("failed to ack spooled samples: %w", err)
	}
	return nil
}

// Count returns the number of samples waiting in the queue.
func (s *Spool) Count() (int64, error) {
	var n int64
	if err := s.db.Model(&record{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count spool: %w", err)
	}
	return n, nil
}

func (s *Spool) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
