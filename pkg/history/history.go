// Package history keeps a local database of past experiments so batch
// outcomes can be compared across invocations.
package history

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Experiment is one recorded batch invocation.
type Experiment struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Directory   string    `gorm:"index" json:"directory"`
	Size        string    `json:"size"`
	TotalJobs   int       `json:"total_jobs"`
	Successful  int       `json:"successful"`
	Failed      int       `json:"failed"`
	DurationSec float64   `json:"duration_sec"`
	ReportPath  string    `json:"report_path,omitempty"`
	GitCommit   string    `json:"git_commit,omitempty"`
}

// Store persists experiments in a local sqlite database.
type Store struct {
	log logrus.FieldLogger
	db  *gorm.DB
}

// Open opens (creating if needed) the history database at path.
func Open(log logrus.FieldLogger, path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database %s: %w", path, err)
	}

	if err := db.AutoMigrate(&Experiment{}); err != nil {
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}

	return &Store{
		log: log.WithField("component", "history"),
		db:  db,
	}, nil
}

// Record saves one experiment.
func (s *Store) Record(exp *Experiment) error {
	if err := s.db.Create(exp).Error; err != nil {
		return fmt.Errorf("recording experiment: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"directory":  exp.Directory,
		"total_jobs": exp.TotalJobs,
	}).Debug("Experiment recorded")

	return nil
}

// List returns the most recent experiments, newest first. A non-positive
// limit returns everything.
func (s *Store) List(limit int) ([]Experiment, error) {
	var experiments []Experiment

	q := s.db.Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Find(&experiments).Error; err != nil {
		return nil, fmt.Errorf("listing experiments: %w", err)
	}

	return experiments, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}

	return db.Close()
}
