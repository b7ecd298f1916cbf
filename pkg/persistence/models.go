package persistence

import (
	"time"
)

// SchemaVersion is the schema version written by this release of the SDK.
const SchemaVersion = "1.2.0"

// CloseOption instructs the Platform to finalize a Batch or Message.
type CloseOption string

const (
	CloseOptionNone CloseOption = "None"
	// CloseBatch completes the current Batch after ingesting the payload.
	CloseBatch CloseOption = "Close"
	// CloseBatchOnly completes the current Batch and discards the payload.
	CloseBatchOnly CloseOption = "CloseOnly"
	// CloseMessageOnly completes the current Message and discards the payload.
	CloseMessageOnly CloseOption = "CloseMessageOnly"
)

// Compression selects the codec applied to a Message payload before publishing.
type Compression string

const (
	CompressionNone           Compression = "None"
	CompressionBrotliFastest  Compression = "BrotliFastest"
	CompressionBrotliSmallest Compression = "BrotliSmallestSize"
)

// SdkConfiguration is the singleton configuration row (id 0).
type SdkConfiguration struct {
	ID                int64      `gorm:"column:id;primaryKey"`
	DBVersion         string     `gorm:"column:db_version"`
	InstanceURL       string     `gorm:"column:instance_url"`
	ProvisioningToken string     `gorm:"column:provisioning_token"`
	RegistrationToken string     `gorm:"column:registration_token"`
	RTExpiration      *time.Time `gorm:"column:rt_expiration"`
	RequestedDeviceID *string    `gorm:"column:requested_device_id"`
	WorkspaceID       string     `gorm:"column:workspace_id"`
	DeviceID          string     `gorm:"column:device_id"`
}

func (SdkConfiguration) TableName() string { return "SdkConfiguration" }

// ConfigurationFragment is a best-effort partial read of the configuration row
// from an existing database file, tolerating older schemas.
type ConfigurationFragment struct {
	InstanceURL       *string
	ProvisioningToken *string
	RegistrationToken *string
	RTExpiration      *time.Time
	RequestedDeviceID *string
	WorkspaceID       *string
	DeviceID          *string
}

// DeviceMessage is one record of the device-to-cloud outbox. The identifier is
// assigned by the store and grows monotonically across restarts.
type DeviceMessage struct {
	ID           int64       `gorm:"column:id;primaryKey;autoIncrement"`
	SiteID       *string     `gorm:"column:site_id"`
	StreamGroup  *string     `gorm:"column:stream_group"`
	Stream       *string     `gorm:"column:stream"`
	BatchID      *string     `gorm:"column:batch_id"`
	MessageID    *string     `gorm:"column:message_id"`
	Content      []byte      `gorm:"column:content"`
	CloseOption  CloseOption `gorm:"column:close_option"`
	Compression  Compression `gorm:"column:compression"`
	BatchSliceID *string     `gorm:"column:batch_slice_id"`
	ChunkID      *string     `gorm:"column:chunk_id"`
}

func (DeviceMessage) TableName() string { return "Messages" }

// CloudToDeviceMessage is one record of the cloud-to-device inbox.
type CloudToDeviceMessage struct {
	ID         int64
	Content    []byte
	Properties map[string]string
}

type cloudToDeviceMessageRow struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Content []byte `gorm:"column:content"`
}

func (cloudToDeviceMessageRow) TableName() string { return "CloudToDeviceMessages" }

type cloudToDevicePropertyRow struct {
	MessageID int64  `gorm:"column:message_id"`
	Key       string `gorm:"column:key"`
	Value     string `gorm:"column:value"`
}

func (cloudToDevicePropertyRow) TableName() string { return "CloudToDeviceProperties" }

// ReportedPropertiesUpdateType distinguishes full reported snapshots from
// caller-provided patches.
type ReportedPropertiesUpdateType int

const (
	ReportedUpdateFull  ReportedPropertiesUpdateType = 0
	ReportedUpdatePatch ReportedPropertiesUpdateType = 1
)

// ReportedPropertiesUpdate is one queued update of the reported properties.
type ReportedPropertiesUpdate struct {
	ID         int64                        `gorm:"column:id;primaryKey;autoIncrement"`
	UpdateType ReportedPropertiesUpdateType `gorm:"column:update_type"`
	Patch      string                       `gorm:"column:patch"`
}

func (ReportedPropertiesUpdate) TableName() string { return "ReportedPropertiesUpdates" }

type twinRow struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Type       string `gorm:"column:type"`
	Properties string `gorm:"column:properties"`
}

func (twinRow) TableName() string { return "Twins" }

// Twin kinds stored in the Twins table.
const (
	TwinDesired  = "desired"
	TwinReported = "reported"
)
