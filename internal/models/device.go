package models

// DeviceMapping resolves a hostname or IP to its ship and device identity.
// Entries are TTL-cached at the registry client.
type DeviceMapping struct {
	ShipID     string `json:"ship_id"`
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type,omitempty"`
	Location   string `json:"location,omitempty"`
}
