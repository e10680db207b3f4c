package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charles-ascot/lay-engine/internal/metrics"
	"github.com/charles-ascot/lay-engine/internal/models"
)

// Store combines the hot file tier with the optional durable blob tier.
// The file is authoritative for writes; reads prefer whichever tier
// carries the newer document.
type Store struct {
	file   *FileStore
	blob   *BlobStore
	logger *logrus.Logger
}

// New creates a store. blob may be nil when no bucket is configured.
func New(file *FileStore, blob *BlobStore, logger *logrus.Logger) *Store {
	return &Store{file: file, blob: blob, logger: logger}
}

// Load reads state on cold start: hot file first, durable blob when the
// hot copy is missing or older. A local read failure is returned (fatal
// at startup); a durable read failure only logs.
func (s *Store) Load(ctx context.Context, today string) (*StateDocument, error) {
	hot, err := s.file.Load()
	if err != nil {
		return nil, err
	}

	var durable *StateDocument
	if s.blob != nil {
		durable, err = s.blob.Load(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("failed to load durable state, continuing with hot tier")
		}
	}

	doc := hot
	if doc == nil || (durable != nil && durable.SavedAt.After(doc.SavedAt)) {
		if durable != nil {
			doc = durable
		}
	}
	if doc == nil {
		return nil, nil
	}

	return s.prepare(doc, today), nil
}

// prepare reconciles a loaded document with the current trading date. A
// session left RUNNING by a dead process is marked CRASHED; a stale-date
// document is discarded except for its session index, API keys, reports
// and config.
func (s *Store) prepare(doc *StateDocument, today string) *StateDocument {
	if doc.Session != nil && doc.Session.Status == models.SessionStatusRunning {
		s.logger.WithField("session_id", doc.Session.ID).
			Warn("found running session from a previous process, marking crashed")
		doc.Session.Status = models.SessionStatusCrashed
		now := time.Now()
		doc.Session.StopTime = &now
		doc.ArchiveSession(*doc.Session)
		doc.Session = nil
	}

	if doc.Date != today {
		s.logger.WithFields(logrus.Fields{
			"loaded_date": doc.Date,
			"today":       today,
		}).Info("discarding stale state for new trading day")
		fresh := NewStateDocument(today, doc.Config)
		fresh.SessionsIndex = doc.SessionsIndex
		fresh.ReportsIndex = doc.ReportsIndex
		fresh.APIKeys = doc.APIKeys
		return fresh
	}
	return doc
}

// Save writes both tiers: the hot file synchronously, the durable blob
// best-effort.
func (s *Store) Save(ctx context.Context, doc *StateDocument) error {
	doc.SavedAt = time.Now()

	if err := s.file.Save(doc); err != nil {
		metrics.RecordStateFlush("hot", "failure")
		return err
	}
	metrics.RecordStateFlush("hot", "success")

	if s.blob != nil {
		if err := s.blob.Save(ctx, doc); err != nil {
			s.logger.WithError(err).Warn("durable state flush failed")
			metrics.RecordStateFlush("durable", "failure")
		} else {
			metrics.RecordStateFlush("durable", "success")
		}
	}
	return nil
}
