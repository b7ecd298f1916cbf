package persistence

import (
	"testing"

	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/spotflow/device-sdk-go/pkg/test"
)

type MigrateTestSuite struct {
	test.Suite
	path string
}

func (s *MigrateTestSuite) SetupTest() {
	s.Suite.SetupTest()
	s.path = s.TempDB()
}

// seedLegacy creates a database file the way schema version 0.1.3 laid it
// out: a dps_url column instead of instance_url, no requested_device_id, a
// composite "{workspace}:{device}" in device_id, and no batch_slice_id or
// chunk_id on Messages.
func (s *MigrateTestSuite) seedLegacy(version string) {
	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	s.Require().NoError(err)

	statements := []string{
		`CREATE TABLE SdkConfiguration (
			id                 INTEGER PRIMARY KEY,
			db_version         TEXT NOT NULL,
			dps_url            TEXT NOT NULL,
			provisioning_token TEXT NOT NULL,
			registration_token TEXT NOT NULL,
			rt_expiration      TEXT,
			device_id          TEXT NOT NULL
		)`,
		`CREATE TABLE Messages (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			site_id      TEXT,
			stream_group TEXT,
			stream       TEXT,
			batch_id     TEXT,
			message_id   TEXT,
			content      BLOB NOT NULL,
			close_option TEXT NOT NULL,
			compression  TEXT NOT NULL
		)`,
		`CREATE TABLE CloudToDeviceMessages (id INTEGER PRIMARY KEY AUTOINCREMENT, content BLOB NOT NULL)`,
		`CREATE TABLE CloudToDeviceProperties (message_id INTEGER NOT NULL, key TEXT NOT NULL, value TEXT NOT NULL)`,
		`CREATE TABLE ReportedPropertiesUpdates (id INTEGER PRIMARY KEY AUTOINCREMENT, update_type INTEGER NOT NULL, patch TEXT NOT NULL)`,
		`CREATE TABLE Twins (id INTEGER PRIMARY KEY AUTOINCREMENT, type TEXT NOT NULL, properties TEXT NOT NULL)`,
	}
	for _, stmt := range statements {
		s.Require().NoError(db.Exec(stmt).Error)
	}

	s.Require().NoError(db.Exec(
		`INSERT INTO SdkConfiguration (id, db_version, dps_url, provisioning_token, registration_token, device_id)
		VALUES (0, ?, 'https://device-provisioning.acme.spotflow.io/', 'legacy-pt', 'legacy-rt', 'legacy-ws:legacy-dev')`,
		version).Error)
	s.Require().NoError(db.Exec(
		`INSERT INTO Messages (content, close_option, compression) VALUES (X'01', 'None', 'None')`).Error)

	sqlDB, err := db.DB()
	s.Require().NoError(err)
	s.Require().NoError(sqlDB.Close())
}

func (s *MigrateTestSuite) TestLegacyConfigurationFragment() {
	s.seedLegacy("0.1.3")

	fragment := LoadAvailableConfiguration(s.path)

	s.Require().NotNil(fragment.InstanceURL)
	s.Equal("https://acme.spotflow.io/", *fragment.InstanceURL)
	s.Require().NotNil(fragment.ProvisioningToken)
	s.Equal("legacy-pt", *fragment.ProvisioningToken)
	s.Require().NotNil(fragment.WorkspaceID)
	s.Equal("legacy-ws", *fragment.WorkspaceID)
	s.Require().NotNil(fragment.DeviceID)
	s.Equal("legacy-dev", *fragment.DeviceID)
}

// A legacy file ends at the current schema with the identifiers of the
// supplied configuration, and its stored message survives the chain.
func (s *MigrateTestSuite) TestMigrationFromOldestVersion() {
	s.seedLegacy("0.1.3")

	store, err := Open(s.path, &SdkConfiguration{
		InstanceURL:       "https://acme.spotflow.io",
		ProvisioningToken: "legacy-pt",
		RegistrationToken: "legacy-rt",
		WorkspaceID:       "legacy-ws",
		DeviceID:          "legacy-dev",
	})
	s.Require().NoError(err)
	defer store.Close()

	workspaceID, err := store.LoadWorkspaceID()
	s.Require().NoError(err)
	s.Equal("legacy-ws", workspaceID)

	deviceID, err := store.LoadDeviceID()
	s.Require().NoError(err)
	s.Equal("legacy-dev", deviceID)

	// The stored message must have survived the migration chain, and the new
	// columns must exist.
	messages, err := store.ListMessagesAfter(-1)
	s.Require().NoError(err)
	s.Require().Len(messages, 1)
	s.Nil(messages[0].BatchSliceID)
	s.Nil(messages[0].ChunkID)

	slice := "slice-1"
	_, err = store.StoreMessage(&DeviceMessage{
		Content:      []byte("x"),
		CloseOption:  CloseOptionNone,
		Compression:  CompressionNone,
		BatchSliceID: &slice,
	})
	s.Require().NoError(err)
}

// The mislabeled-1.0.1 quirk: files that already carry the 1.1.0 columns but
// report version 1.0.1 must not fail on the duplicate column add.
func (s *MigrateTestSuite) TestMislabeledSchemaVersionMigrates() {
	s.seedLegacy("1.0.1")

	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	s.Require().NoError(err)
	s.Require().NoError(db.Exec(`ALTER TABLE SdkConfiguration ADD requested_device_id TEXT`).Error)
	s.Require().NoError(db.Exec(`ALTER TABLE Messages ADD batch_slice_id TEXT`).Error)
	s.Require().NoError(db.Exec(`ALTER TABLE Messages ADD chunk_id TEXT`).Error)
	sqlDB, err := db.DB()
	s.Require().NoError(err)
	s.Require().NoError(sqlDB.Close())

	store, err := Open(s.path, &SdkConfiguration{
		InstanceURL:       "https://acme.spotflow.io",
		ProvisioningToken: "legacy-pt",
		RegistrationToken: "legacy-rt",
		WorkspaceID:       "legacy-ws",
		DeviceID:          "legacy-dev",
	})
	s.Require().NoError(err)
	s.NoError(store.Close())
}

// Files authored by an unknown future version are refused.
func (s *MigrateTestSuite) TestFutureVersionRefused() {
	s.seedLegacy("9.9.9")

	_, err := Open(s.path, &SdkConfiguration{
		InstanceURL:       "https://acme.spotflow.io",
		ProvisioningToken: "pt",
		RegistrationToken: "rt",
		WorkspaceID:       "ws",
		DeviceID:          "dev",
	})
	s.Error(err)
}

func TestMigrateSuite(t *testing.T) {
	suite.Run(t, new(MigrateTestSuite))
}
