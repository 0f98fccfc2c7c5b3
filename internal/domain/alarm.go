package domain

// Alarm states.
const (
	Resolved = 0
	Active   = 1
)

// Email markers. Any value above DontEmail other than ResolvedNotEmailed is
// the epoch millis of the send.
const (
	NeedsEmail         int64 = -1
	DontEmail          int64 = 0
	ResolvedNotEmailed int64 = 1
)

// Alarm is one anomaly episode for a (customer, device) pair.
type Alarm struct {
	AlarmID        string `json:"alarmId" bson:"_id"`
	CustomerID     string `json:"customerId" bson:"customerId"`
	DeviceID       string `json:"deviceId" bson:"deviceId"`
	SiteID         string `json:"siteId" bson:"siteId"`
	StartDate      int64  `json:"startDate" bson:"startDate"`
	LastUpdate     int64  `json:"lastUpdate" bson:"lastUpdate"`
	EndDate        int64  `json:"endDate" bson:"endDate"`
	Message        string `json:"message" bson:"message"`
	State          int    `json:"state" bson:"state"`
	Emailed        int64  `json:"emailed" bson:"emailed"`
	ResolveEmailed int64  `json:"resolveEmailed" bson:"resolveEmailed"`
}

// IsActive reports whether the alarm is still open.
func (a *Alarm) IsActive() bool {
	return a.State == Active
}

// WasEmailed reports whether an alert for this alarm reached the customer.
func (a *Alarm) WasEmailed() bool {
	return a.Emailed > DontEmail && a.Emailed != ResolvedNotEmailed
}
