// internal/domain/models.go

package domain

import "time"

// NoSite is the site given to auto-provisioned devices until a customer
// assigns one.
const NoSite = "No Site"

// Device is a metering or inverter unit owned by a customer.
type Device struct {
	ID                    string  `json:"id" bson:"_id"`
	ClientID              string  `json:"clientId" bson:"clientId"`
	Name                  string  `json:"name" bson:"name"`
	DeviceName            string  `json:"deviceName" bson:"deviceName"`
	DisplayName           string  `json:"displayName,omitempty" bson:"displayName,omitempty"`
	SerialNumber          string  `json:"serialNumber,omitempty" bson:"serialNumber,omitempty"`
	Site                  string  `json:"site,omitempty" bson:"site,omitempty"`
	SiteID                string  `json:"siteId,omitempty" bson:"siteId,omitempty"`
	Vendor                string  `json:"vendor,omitempty" bson:"vendor,omitempty"`
	Latitude              float64 `json:"latitude" bson:"latitude"`
	Longitude             float64 `json:"longitude" bson:"longitude"`
	Virtual               bool    `json:"virtual" bson:"virtual"`
	IsSite                bool    `json:"isSite" bson:"isSite"`
	Disabled              bool    `json:"disabled" bson:"disabled"`
	NotificationsDisabled bool    `json:"notificationsDisabled" bson:"notificationsDisabled"`
	LastCheckIn           int64   `json:"lastCheckIn,omitempty" bson:"lastCheckIn,omitempty"`
}

// Label is the human name used in notifications.
func (d *Device) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	if d.DeviceName != "" {
		return d.DeviceName
	}
	return d.Name
}

// HasLocation reports whether coordinates were geocoded for the device.
func (d *Device) HasLocation() bool {
	return d.Latitude != 0 || d.Longitude != 0
}

// Customer owns devices and receives notifications.
type Customer struct {
	CustomerID string `json:"customerId" bson:"_id"`
	Email      string `json:"email" bson:"email"`
	Name       string `json:"name" bson:"name"`
	Active     bool   `json:"active" bson:"active"`
}

// Subscription is stored alongside the customer. Enforcement lives elsewhere.
type Subscription struct {
	CustomerID     string `json:"customerId" bson:"_id"`
	PacksPurchased int    `json:"packsPurchased" bson:"packsPurchased"`
	JoinDate       int64  `json:"joinDate" bson:"joinDate"`
}

// LinkedDevice is the latest fault bitmask snapshot of a child unit.
type LinkedDevice struct {
	ID               string `json:"id" bson:"_id"`
	CustomerID       string `json:"customerId" bson:"customerId"`
	CriticalAlarm    int    `json:"criticalAlarm" bson:"criticalAlarm"`
	InformativeAlarm int    `json:"informativeAlarm" bson:"informativeAlarm"`
	Date             int64  `json:"date" bson:"date"`
}

// NewLinkedDevice returns a record with both bitmasks unset.
func NewLinkedDevice(serial, customerID string, observed time.Time) LinkedDevice {
	return LinkedDevice{
		ID:               serial,
		CustomerID:       customerID,
		CriticalAlarm:    Unset,
		InformativeAlarm: Unset,
		Date:             observed.UnixMilli(),
	}
}

// AttributeMapping overrides which raw field name feeds a canonical attribute.
type AttributeMapping struct {
	CustomerID  string `json:"customerId" bson:"customerId" binding:"-"`
	MappingName string `json:"mappingName" bson:"mappingName" binding:"required"`
	Attribute   string `json:"attribute" bson:"attribute" binding:"required"`
}

// Stats is the service counter snapshot exposed on the admin API.
type Stats struct {
	Received      uint64 `json:"received"`
	Processed     uint64 `json:"processed"`
	Dropped       uint64 `json:"dropped"`
	Failed        uint64 `json:"failed"`
	BufferSize    int    `json:"buffer_size"`
	RawPending    int64  `json:"raw_pending"`
	IndexHealthy  bool   `json:"index_healthy"`
	LastSweepTime string `json:"last_sweep_time,omitempty"`
}
