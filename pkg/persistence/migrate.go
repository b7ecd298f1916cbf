package persistence

import (
	"net/url"
	"strings"

	"gorm.io/gorm"

	"github.com/spotflow/device-sdk-go/pkg/errors"
	"github.com/spotflow/device-sdk-go/pkg/logger"
)

// migrate applies the forward-only chain of schema migrations from the stored
// version up to SchemaVersion. Files authored by an unknown (future) version
// are refused.
func migrate(db *gorm.DB, fromVersion string, config *SdkConfiguration) error {
	current := fromVersion
	known := false

	if current == "0.1.3" {
		known = true
		if err := migrateTo101(db); err != nil {
			return err
		}
		current = "1.0.1"
	}

	if current == "1.0.1" {
		known = true
		if err := migrateTo110(db); err != nil {
			return err
		}
		current = "1.1.0"
	}

	if current == "1.1.0" {
		known = true
		if err := migrateTo120(db, config); err != nil {
			return err
		}
		current = "1.2.0"
	}

	if !known {
		return errors.Newf(errors.CodeFailedPrecondition,
			"unknown version %s of the local database file; make sure that you're using the latest version of the Device SDK",
			fromVersion)
	}

	return nil
}

func migrateTo101(db *gorm.DB) error {
	logger.L().Debug("updating database schema", "from", "0.1.3", "to", "1.0.1")

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`ALTER TABLE SdkConfiguration ADD requested_device_id TEXT`).Error; err != nil {
			return err
		}
		return tx.Exec(`UPDATE SdkConfiguration SET db_version = '1.0.1' WHERE id = 0`).Error
	})
	if err != nil {
		return errors.Wrap(err, "unable to migrate database schema to version 1.0.1")
	}

	logger.L().Debug("database schema updated", "version", "1.0.1")
	return nil
}

func migrateTo110(db *gorm.DB) error {
	logger.L().Debug("updating database schema", "from", "1.0.1", "to", "1.1.0")

	// An error in an older release caused schemas of version 1.1.0 to be marked
	// 1.0.1, so the columns may already exist.
	exists, err := messageColumnsExist(db)
	if err != nil {
		return err
	}

	if exists {
		err = db.Exec(`UPDATE SdkConfiguration SET db_version = '1.1.0' WHERE id = 0`).Error
	} else {
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(`ALTER TABLE Messages ADD batch_slice_id TEXT`).Error; err != nil {
				return err
			}
			if err := tx.Exec(`ALTER TABLE Messages ADD chunk_id TEXT`).Error; err != nil {
				return err
			}
			return tx.Exec(`UPDATE SdkConfiguration SET db_version = '1.1.0' WHERE id = 0`).Error
		})
	}
	if err != nil {
		return errors.Wrap(err, "unable to migrate database schema to version 1.1.0")
	}

	logger.L().Debug("database schema updated", "version", "1.1.0")
	return nil
}

func messageColumnsExist(db *gorm.DB) (bool, error) {
	var count int64
	err := db.Raw(
		`SELECT COUNT(*) FROM pragma_table_info('Messages') WHERE name = 'batch_slice_id' OR name = 'chunk_id'`,
	).Scan(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "unable to inspect Messages columns")
	}
	return count == 2, nil
}

func migrateTo120(db *gorm.DB, config *SdkConfiguration) error {
	logger.L().Debug("updating database schema", "from", "1.1.0", "to", "1.2.0")

	var dpsURL string
	if err := db.Raw(`SELECT dps_url FROM SdkConfiguration WHERE id = 0`).Scan(&dpsURL).Error; err != nil {
		return errors.Wrap(err, "unable to read the dps_url column")
	}

	instanceURL, err := instanceURLFromDpsURL(dpsURL)
	if err != nil {
		return err
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		statements := []struct {
			sql  string
			args []any
		}{
			{`UPDATE SdkConfiguration SET device_id = ? WHERE id = 0`, []any{config.DeviceID}},
			{`UPDATE SdkConfiguration SET db_version = '1.2.0' WHERE id = 0`, nil},
			{`CREATE TABLE SdkConfiguration_new (
				id                  INTEGER PRIMARY KEY,
				db_version          TEXT NOT NULL,
				instance_url        TEXT NOT NULL,
				provisioning_token  TEXT NOT NULL,
				registration_token  TEXT NOT NULL,
				rt_expiration       DATETIME,
				requested_device_id TEXT,
				workspace_id        TEXT NOT NULL,
				device_id           TEXT NOT NULL
			)`, nil},
			{`INSERT INTO SdkConfiguration_new
				SELECT id, db_version, ?, provisioning_token, registration_token, rt_expiration, requested_device_id, ?, device_id
				FROM SdkConfiguration`, []any{instanceURL, config.WorkspaceID}},
			{`DROP TABLE SdkConfiguration`, nil},
			{`ALTER TABLE SdkConfiguration_new RENAME TO SdkConfiguration`, nil},
		}

		for _, stmt := range statements {
			if err := tx.Exec(stmt.sql, stmt.args...).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "unable to migrate database schema to version 1.2.0")
	}

	logger.L().Debug("database schema updated", "version", "1.2.0")
	return nil
}

// instanceURLFromDpsURL derives the Platform instance URL from the legacy
// device-provisioning service URL. Individual services used to be hosted on
// separate subdomains of the instance host.
func instanceURLFromDpsURL(dpsURL string) (string, error) {
	parsed, err := url.Parse(dpsURL)
	if err != nil {
		return "", errors.Newf(errors.CodeInvalidArgument,
			"the URL %q stored in the column 'dps_url' is invalid", dpsURL)
	}

	host := parsed.Hostname()
	if host == "" {
		return "", errors.Newf(errors.CodeInvalidArgument,
			"the URL %q stored in the column 'dps_url' doesn't contain a host", dpsURL)
	}

	instanceHost := strings.TrimPrefix(host, "device-provisioning.")

	return "https://" + instanceHost + "/", nil
}
