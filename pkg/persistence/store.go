// Package persistence implements the local embedded store of the Device SDK:
// the configuration row, the device-to-cloud outbox, the cloud-to-device
// inbox, the reported-properties update queue, and the twin snapshots, all in
// one SQLite database file.
//
// A single connection serialized by a mutex is enough for one agent process
// and keeps the concurrency model trivially correct.
package persistence

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/spotflow/device-sdk-go/pkg/errors"
	"github.com/spotflow/device-sdk-go/pkg/logger"
)

// Store is the handle to the local database file. It is safe for concurrent
// use; every operation takes the store mutex, so at most one SQL statement is
// outstanding at any time.
type Store struct {
	mu sync.Mutex
	db *gorm.DB
}

func openDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("unable to open the local database file %q", path))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "unable to access the underlying database connection")
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// Open creates or opens the database file at path, migrates legacy schemas,
// and rewrites the configuration row with the provided values.
func Open(path string, config *SdkConfiguration) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	var version string
	row := db.Raw(`SELECT db_version FROM SdkConfiguration WHERE id = 0`).Scan(&version)
	switch {
	case row.Error == nil && version != "":
		logger.L().Debug("local database file contains existing schema", "version", version)
		if version != SchemaVersion {
			if err := migrate(db, version, config); err != nil {
				return nil, err
			}
		}
	default:
		logger.L().Debug("importing schema into local database file", "path", path)
		if err := initSchema(db); err != nil {
			return nil, err
		}
	}

	// Rewrite the configuration row with the provided values in any case.
	// Raw SQL because the singleton row lives at id 0, which gorm would treat
	// as an unset primary key.
	logger.L().Debug("saving configuration")
	err = db.Exec(
		`INSERT OR REPLACE INTO SdkConfiguration
			(id, db_version, instance_url, provisioning_token, registration_token, rt_expiration, requested_device_id, workspace_id, device_id)
		VALUES (0, ?, ?, ?, ?, ?, ?, ?, ?)`,
		SchemaVersion,
		config.InstanceURL,
		config.ProvisioningToken,
		config.RegistrationToken,
		config.RTExpiration,
		config.RequestedDeviceID,
		config.WorkspaceID,
		config.DeviceID,
	).Error
	if err != nil {
		return nil, errors.Wrap(err, "unable to save configuration")
	}

	return &Store{db: db}, nil
}

func initSchema(db *gorm.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS SdkConfiguration (
			id                  INTEGER PRIMARY KEY,
			db_version          TEXT NOT NULL,
			instance_url        TEXT NOT NULL,
			provisioning_token  TEXT NOT NULL,
			registration_token  TEXT NOT NULL,
			rt_expiration       DATETIME,
			requested_device_id TEXT,
			workspace_id        TEXT NOT NULL,
			device_id           TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS Messages (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			site_id        TEXT,
			stream_group   TEXT,
			stream         TEXT,
			batch_id       TEXT,
			message_id     TEXT,
			content        BLOB NOT NULL,
			close_option   TEXT NOT NULL,
			compression    TEXT NOT NULL,
			batch_slice_id TEXT,
			chunk_id       TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS CloudToDeviceMessages (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			content BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS CloudToDeviceProperties (
			message_id INTEGER NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ReportedPropertiesUpdates (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			update_type INTEGER NOT NULL,
			patch       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS Twins (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			type       TEXT NOT NULL,
			properties TEXT NOT NULL
		)`,
	}

	for _, stmt := range ddl {
		if err := db.Exec(stmt).Error; err != nil {
			return errors.Wrap(err, "unable to import schema")
		}
	}
	return nil
}

// LoadAvailableConfiguration reads whatever configuration fields exist in the
// database file at path. Missing files and unreadable rows yield an empty
// fragment; this call never fails, matching the best-effort startup lookup.
func LoadAvailableConfiguration(path string) ConfigurationFragment {
	if _, err := os.Stat(path); err != nil {
		logger.L().Debug("the local database file doesn't exist yet", "path", path)
		return ConfigurationFragment{}
	}

	db, err := openDB(path)
	if err != nil {
		logger.L().Warn("skipping configuration from local database file", "path", path, "error", err)
		return ConfigurationFragment{}
	}
	defer closeDB(db)

	fragment, err := tryLoadAvailableConfiguration(db)
	if err != nil {
		logger.L().Warn("skipping configuration from local database file", "path", path, "error", err)
		return ConfigurationFragment{}
	}
	return fragment
}

func tryLoadAvailableConfiguration(db *gorm.DB) (ConfigurationFragment, error) {
	row := map[string]any{}
	if err := db.Table("SdkConfiguration").Where("id = 0").Take(&row).Error; err != nil {
		return ConfigurationFragment{}, errors.Wrap(err, "unable to load configuration row")
	}

	version, _ := row["db_version"].(string)

	var fragment ConfigurationFragment

	if instance, ok := stringColumn(row, "instance_url"); ok {
		fragment.InstanceURL = &instance
	} else if dpsURL, ok := stringColumn(row, "dps_url"); ok {
		if instance, err := instanceURLFromDpsURL(dpsURL); err == nil {
			fragment.InstanceURL = &instance
		}
	}

	if token, ok := stringColumn(row, "provisioning_token"); ok {
		logger.L().Debug("loaded existing provisioning token from the local database file")
		fragment.ProvisioningToken = &token
	}
	if token, ok := stringColumn(row, "registration_token"); ok {
		logger.L().Debug("loaded existing registration token from the local database file")
		fragment.RegistrationToken = &token
		fragment.RTExpiration = timeColumn(row, "rt_expiration")
	}
	if requested, ok := stringColumn(row, "requested_device_id"); ok {
		fragment.RequestedDeviceID = &requested
	}

	switch version {
	case "0.1.3", "1.0.1", "1.1.0":
		// The device_id column of legacy schemas holds "{workspace}:{device}".
		if composite, ok := stringColumn(row, "device_id"); ok {
			if workspaceID, deviceID, err := splitCompositeDeviceID(composite); err == nil {
				fragment.WorkspaceID = &workspaceID
				fragment.DeviceID = &deviceID
			}
		}
	default:
		if workspaceID, ok := stringColumn(row, "workspace_id"); ok {
			fragment.WorkspaceID = &workspaceID
		}
		if deviceID, ok := stringColumn(row, "device_id"); ok {
			fragment.DeviceID = &deviceID
		}
	}

	return fragment, nil
}

func stringColumn(row map[string]any, name string) (string, bool) {
	v, ok := row[name]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func timeColumn(row map[string]any, name string) *time.Time {
	switch v := row[name].(type) {
	case time.Time:
		return &v
	case string:
		// SQLite stores timestamps as text in one of a few layouts.
		for _, layout := range []string{
			"2006-01-02 15:04:05.999999999-07:00",
			"2006-01-02T15:04:05.999999999-07:00",
			time.RFC3339Nano,
			"2006-01-02 15:04:05",
		} {
			if t, err := time.Parse(layout, v); err == nil {
				return &t
			}
		}
	}
	return nil
}

func splitCompositeDeviceID(composite string) (workspaceID, deviceID string, err error) {
	workspaceID, deviceID, found := strings.Cut(composite, ":")
	if !found || workspaceID == "" || deviceID == "" {
		return "", "", errors.Newf(errors.CodeInvalidArgument,
			"invalid Device ID stored in local database: %q", composite)
	}
	return workspaceID, deviceID, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// Close releases the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "unable to access the underlying database connection")
	}
	return sqlDB.Close()
}

// Device to Cloud Messages
// ================================================================================

// StoreMessage inserts msg into the outbox and returns the assigned identifier.
func (s *Store) StoreMessage(msg *DeviceMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Create(msg).Error; err != nil {
		return 0, errors.Wrap(err, "unable to store device-to-cloud message")
	}
	return msg.ID, nil
}

// ListMessagesAfter returns up to 100 outbox records with identifiers greater
// than after, in ascending order.
func (s *Store) ListMessagesAfter(after int64) ([]DeviceMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var messages []DeviceMessage
	err := s.db.Where("id > ?", after).Order("id").Limit(100).Find(&messages).Error
	if err != nil {
		return nil, errors.Wrap(err, "unable to load saved device messages")
	}
	return messages, nil
}

// MessageCount returns the number of records waiting in the outbox.
func (s *Store) MessageCount() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	if err := s.db.Model(&DeviceMessage{}).Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "unable to count device messages")
	}
	return count, nil
}

// RemoveOldestMessage deletes the outbox head.
func (s *Store) RemoveOldestMessage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Exec(
		`DELETE FROM Messages WHERE id = (SELECT id FROM Messages ORDER BY id LIMIT 1)`,
	).Error
	if err != nil {
		return errors.Wrap(err, "unable to remove acknowledged device-to-cloud message")
	}
	return nil
}

// Twins
// ================================================================================

// SaveTwin appends a snapshot document for the given twin kind. The latest row
// per kind wins on load.
func (s *Store) SaveTwin(kind, properties string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Create(&twinRow{Type: kind, Properties: properties}).Error
	if err != nil {
		return errors.Wrapf(err, "unable to save twin %s properties", kind)
	}
	return nil
}

// LoadTwin returns the latest snapshot document for the given twin kind.
func (s *Store) LoadTwin(kind string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var row twinRow
	err := s.db.Where("type = ?", kind).Order("id DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "unable to load twin")
	}
	return row.Properties, true, nil
}

// Configuration & Tokens
// ================================================================================

// LoadRequestedDeviceID returns the device ID the user originally asked for.
func (s *Store) LoadRequestedDeviceID() (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cfg SdkConfiguration
	if err := s.db.Where("id = 0").Take(&cfg).Error; err != nil {
		return nil, errors.Wrap(err, "unable to load device ID from configuration")
	}
	return cfg.RequestedDeviceID, nil
}

// SaveWorkspaceID updates the resolved workspace identifier.
func (s *Store) SaveWorkspaceID(workspaceID string) error {
	return s.updateConfiguration("workspace_id", workspaceID)
}

// LoadWorkspaceID returns the resolved workspace identifier.
func (s *Store) LoadWorkspaceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cfg SdkConfiguration
	if err := s.db.Where("id = 0").Take(&cfg).Error; err != nil {
		return "", errors.Wrap(err, "unable to load workspace ID from configuration")
	}
	return cfg.WorkspaceID, nil
}

// SaveDeviceID updates the resolved device identifier.
func (s *Store) SaveDeviceID(deviceID string) error {
	return s.updateConfiguration("device_id", deviceID)
}

// LoadDeviceID returns the resolved device identifier.
func (s *Store) LoadDeviceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cfg SdkConfiguration
	if err := s.db.Where("id = 0").Take(&cfg).Error; err != nil {
		return "", errors.Wrap(err, "unable to load device ID from configuration")
	}
	return cfg.DeviceID, nil
}

// LoadInstanceURL returns the stored Platform instance URL.
func (s *Store) LoadInstanceURL() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cfg SdkConfiguration
	if err := s.db.Where("id = 0").Take(&cfg).Error; err != nil {
		return "", errors.Wrap(err, "unable to load instance URL from configuration")
	}
	return cfg.InstanceURL, nil
}

// SaveProvisioningToken updates the stored provisioning token.
func (s *Store) SaveProvisioningToken(token string) error {
	logger.L().Debug("saving provisioning token")
	return s.updateConfiguration("provisioning_token", token)
}

// SaveRegistrationToken updates the stored registration token and its expiry.
func (s *Store) SaveRegistrationToken(token string, expiration *time.Time) error {
	logger.L().Debug("saving registration token", "expiration", expiration)
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Model(&SdkConfiguration{}).Where("id = 0").
		Updates(map[string]any{"registration_token": token, "rt_expiration": expiration}).Error
	if err != nil {
		return errors.Wrap(err, "unable to save registration token to configuration")
	}
	return nil
}

// LoadRegistrationToken returns the stored registration token and its expiry.
func (s *Store) LoadRegistrationToken() (string, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cfg SdkConfiguration
	if err := s.db.Where("id = 0").Take(&cfg).Error; err != nil {
		return "", nil, errors.Wrap(err, "unable to load registration token from configuration")
	}
	return cfg.RegistrationToken, cfg.RTExpiration, nil
}

func (s *Store) updateConfiguration(column string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Model(&SdkConfiguration{}).Where("id = 0").Update(column, value).Error
	if err != nil {
		return errors.Wrapf(err, "unable to save %s to configuration", column)
	}
	return nil
}

// transaction runs fn inside one SQLite transaction under the store mutex.
func (s *Store) transaction(fn func(tx *gorm.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(fn)
}
