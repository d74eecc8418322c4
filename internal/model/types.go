package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnregisteredTenant is the sentinel tenant that owns gateways no operator has claimed.
const UnregisteredTenant = "unregistered"

// LocationMode selects how a tenant assigns tags to gateways.
type LocationMode string

const (
	// ModeRealtime assigns a tag to the gateway of its most recent sample.
	ModeRealtime LocationMode = "realtime"
	// ModeAccuracy assigns a tag to the gateway with the best mean RSSI over a trailing window.
	ModeAccuracy LocationMode = "accuracy"
)

// ParseLocationMode maps a stored mode value onto a LocationMode. Unknown and empty
// values fall back to realtime.
func ParseLocationMode(v string) LocationMode {
	switch LocationMode(v) {
	case ModeAccuracy:
		return ModeAccuracy
	case ModeRealtime:
		return ModeRealtime
	default:
		return ModeRealtime
	}
}

// GatewayIdentity is the decoded content of an identity frame.
type GatewayIdentity struct {
	GatewayID       string `json:"gw_id"`
	HardwareVersion string `json:"hw_version"`
	FirmwareVersion string `json:"fw_version"`
	OTAURL          string `json:"ota_url"`
	WSURL           string `json:"ws_url"`
	ReportInterval  uint32 `json:"report_interval"`
	RSSIFilter      int8   `json:"rssi_filter"`
}

// GatewayStatus is the live status row kept for each connected gateway.
type GatewayStatus struct {
	GatewayIdentity
	RemoteAddr  string    `json:"remote_addr"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connected_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TagSample is one tag advertisement relayed by a gateway.
type TagSample struct {
	GatewayID      string          `json:"gw_id"`
	TagID          string          `json:"tag_id"`
	ScanTick       uint32          `json:"scan_tick"`
	RSSI           int             `json:"rssi"`
	TemperatureC   decimal.Decimal `json:"temperature_c"`
	VoltageV       decimal.Decimal `json:"voltage_v"`
	RawAdvertising []byte          `json:"raw_advertising"`
	SensedAt       time.Time       `json:"sensed_at"`
}

// Tag is the master record of a tracked tag within a tenant.
type Tag struct {
	TagID     string `json:"tag_id"`
	Name      string `json:"name"`
	GatewayID string `json:"gw_id"`
}

// RssiWindowSample is a single accuracy-mode observation kept for the windowed average.
type RssiWindowSample struct {
	TagID     string    `json:"tag_id"`
	GatewayID string    `json:"gw_id"`
	RSSI      int       `json:"rssi"`
	SensedAt  time.Time `json:"sensed_at"`
}

// RssiAggregate is the mean RSSI of one (tag, gateway) pair over a window.
type RssiAggregate struct {
	TagID     string  `json:"tag_id"`
	GatewayID string  `json:"gw_id"`
	AvgRSSI   float64 `json:"avg_rssi"`
	Samples   int     `json:"samples"`
}

// OwnerChange describes a tag moving from one gateway to another.
type OwnerChange struct {
	TenantID      string       `json:"company_id"`
	TagID         string       `json:"tag_id"`
	FromGatewayID string       `json:"from_gw_id,omitempty"`
	ToGatewayID   string       `json:"to_gw_id"`
	Mode          LocationMode `json:"mode"`
	ChangedAt     time.Time    `json:"changed_at"`
}
