package persistence

import (
	"gorm.io/gorm"

	"github.com/spotflow/device-sdk-go/pkg/errors"
)

// ReportedPropertiesTable stores queued reported-properties updates.
type ReportedPropertiesTable struct{}

func (ReportedPropertiesTable) IDOf(rec *ReportedPropertiesUpdate) int64 { return rec.ID }

func (ReportedPropertiesTable) Insert(s *Store, rec *ReportedPropertiesUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Create(rec).Error; err != nil {
		return 0, errors.Wrap(err, "unable to save reported properties update")
	}
	return rec.ID, nil
}

func (ReportedPropertiesTable) NextAfter(s *Store, id int64) (*ReportedPropertiesUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec ReportedPropertiesUpdate
	err := s.db.Where("id > ?", id).Order("id").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to load reported properties update")
	}
	return &rec, nil
}

func (ReportedPropertiesTable) Remove(s *Store, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Exec(`DELETE FROM ReportedPropertiesUpdates WHERE id = ?`, id).Error
	if err != nil {
		return errors.Wrap(err, "unable to remove reported properties update")
	}
	return nil
}

func (ReportedPropertiesTable) Count(s *Store) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	if err := s.db.Model(&ReportedPropertiesUpdate{}).Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "unable to count reported properties updates")
	}
	return count, nil
}
