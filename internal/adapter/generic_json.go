package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

const genericVendor = "generic"

// Accepted timestamp layouts, RFC3339 first.
var genericTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// GenericJSON handles the flat inverter JSON format:
//
//	{"device_name": "...", "serial_no": "...", "timestamp": "...", "time_zone": "...",
//	 "status": "OK", "data": {"total_output_power": 4.2, ...}, "alarm_1": 0, "alarm_2": 0}
//
// alarm_1 carries the critical bitmask and alarm_2 the informative one.
type GenericJSON struct {
	base
}

// NewGenericJSON creates the generic JSON adapter.
func NewGenericJSON(deps Deps) *GenericJSON {
	return &GenericJSON{base: base{Deps: deps, vendor: genericVendor}}
}

func (g *GenericJSON) Vendor() string { return genericVendor }

func (g *GenericJSON) Handle(ctx context.Context, body, customerID string) (*domain.Reading, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}

	serial := getString(raw, "serial_no", "")
	ts := parseLocalTime(getString(raw, "timestamp", ""), getString(raw, "time_zone", ""), genericTimeLayouts...)

	_, hasCritical := raw["alarm_1"]
	_, hasInformative := raw["alarm_2"]
	if hasCritical || hasInformative {
		return nil, g.upsertLinked(ctx, customerID, serial,
			getInt(raw, "alarm_1", domain.Unset), getInt(raw, "alarm_2", domain.Unset), ts)
	}

	device, err := g.resolveDevice(ctx, customerID, getString(raw, "device_name", ""), serial)
	if err != nil {
		return nil, err
	}

	if status, ok := statusFault(raw["status"]); !ok {
		return g.fault(ctx, device, ts, status)
	}

	data, _ := raw["data"].(map[string]interface{})
	mapping := g.mapping(ctx, customerID)
	r := g.newReading(device, ts)
	// fields apply in name order so a later duplicate of an attribute wins
	// the same way on every run
	fields := make([]string, 0, len(data))
	for field := range data {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		val := data[field]
		attr, ok := mapping.Attribute(field)
		if !ok {
			continue
		}
		value, ok := toFloat(val)
		if !ok {
			if isNull(val) {
				if _, ferr := g.Faults.FaultDetected(ctx, customerID, device.ID, device.SiteID,
					fmt.Sprintf("No value for %s", field)); ferr != nil {
					return nil, fmt.Errorf("recording fault: %w", ferr)
				}
				continue
			}
			logger.WithDevice(customerID, device.ID).Warnf("skipping field %q: unparseable value %v", field, val)
			continue
		}
		setAttribute(r, attr, value)
	}
	return r, nil
}

// statusFault checks the payload status. Absent, "OK" and 0 are healthy;
// anything else yields the fault message.
func statusFault(status interface{}) (string, bool) {
	switch v := status.(type) {
	case nil:
		return "", true
	case string:
		if s := strings.TrimSpace(v); s == "" || strings.EqualFold(s, "ok") || s == "0" {
			return "", true
		}
		return fmt.Sprintf("Error text: %s", v), false
	case float64:
		if v == 0 {
			return "", true
		}
		return fmt.Sprintf("Error code: %.0f", v), false
	}
	return fmt.Sprintf("Error: %v", status), false
}
