package persistence

import (
	"gorm.io/gorm"

	"github.com/spotflow/device-sdk-go/pkg/errors"
	"github.com/spotflow/device-sdk-go/pkg/logger"
)

// CloudToDeviceTable stores cloud-to-device messages together with their
// property bags. The message row and its properties are written in one
// transaction.
type CloudToDeviceTable struct{}

func (CloudToDeviceTable) IDOf(rec *CloudToDeviceMessage) int64 { return rec.ID }

func (CloudToDeviceTable) Insert(s *Store, rec *CloudToDeviceMessage) (int64, error) {
	var id int64
	err := s.transaction(func(tx *gorm.DB) error {
		row := cloudToDeviceMessageRow{Content: rec.Content}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		id = row.ID

		for k, v := range rec.Properties {
			prop := cloudToDevicePropertyRow{MessageID: row.ID, Key: k, Value: v}
			if err := tx.Create(&prop).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "unable to store cloud-to-device message")
	}

	logger.L().Debug("saved C2D message", "id", id)
	rec.ID = id
	return id, nil
}

func (CloudToDeviceTable) NextAfter(s *Store, id int64) (*CloudToDeviceMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row cloudToDeviceMessageRow
	err := s.db.Where("id > ?", id).Order("id").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to load cloud-to-device message")
	}

	var props []cloudToDevicePropertyRow
	if err := s.db.Where("message_id = ?", row.ID).Find(&props).Error; err != nil {
		return nil, errors.Wrap(err, "unable to load cloud-to-device message properties")
	}

	properties := make(map[string]string, len(props))
	for _, p := range props {
		properties[p.Key] = p.Value
	}

	return &CloudToDeviceMessage{ID: row.ID, Content: row.Content, Properties: properties}, nil
}

func (CloudToDeviceTable) Remove(s *Store, id int64) error {
	err := s.transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`DELETE FROM CloudToDeviceProperties WHERE message_id = ?`, id).Error; err != nil {
			return err
		}
		return tx.Exec(`DELETE FROM CloudToDeviceMessages WHERE id = ?`, id).Error
	})
	if err != nil {
		return errors.Wrap(err, "unable to remove cloud-to-device message")
	}
	return nil
}

func (CloudToDeviceTable) Count(s *Store) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	if err := s.db.Model(&cloudToDeviceMessageRow{}).Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "unable to count cloud-to-device messages")
	}
	return count, nil
}
