package models

import (
	"time"

	"github.com/google/uuid"
)

// Device records the last verification seen from a client installation.
// Identity is the (LicenseID, DeviceID) pair.
type Device struct {
	LicenseID  uuid.UUID `json:"license_id"`
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name,omitempty"`
	AppVersion string    `json:"app_version"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
