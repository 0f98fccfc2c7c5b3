package repository

import (
	"context"
	"fmt"
	"time"

	influxdb3 "github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/config"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
)

const readingMeasurement = "device_reading"

// InfluxIndex implements ReadingIndex on InfluxDB v3
type InfluxIndex struct {
	db *config.InfluxDatabase
}

// NewInfluxIndex creates the time-series index
func NewInfluxIndex(db *config.InfluxDatabase) *InfluxIndex {
	return &InfluxIndex{db: db}
}

func (r *InfluxIndex) client() (*influxdb3.Client, error) {
	if r.db == nil || r.db.Client == nil {
		return nil, fmt.Errorf("%w: influx client is nil", domain.ErrIndexUnavailable)
	}
	return r.db.Client, nil
}

// Append writes readings as points
func (r *InfluxIndex) Append(ctx context.Context, readings []domain.Reading) error {
	client, err := r.client()
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		return nil
	}

	points := make([]*influxdb3.Point, 0, len(readings))
	for i := range readings {
		points = append(points, readingToPoint(&readings[i]))
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := client.WritePoints(ctx, points); err != nil {
		return fmt.Errorf("%w: WritePoints failed: %v (points: %d, db: %s)",
			domain.ErrIndexUnavailable, err, len(points), r.db.Database)
	}
	return nil
}

// readingToPoint converts a reading to a point. Absent values are left out
// of the field set instead of being written as -1.
func readingToPoint(rd *domain.Reading) *influxdb3.Point {
	tags := map[string]string{
		"customer_id": rd.CustomerID,
		"device_id":   rd.DeviceID,
		"site_id":     rd.SiteID,
	}
	if rd.Source != "" {
		tags["source"] = rd.Source
	}

	fields := map[string]interface{}{
		"device_name":         rd.DeviceName,
		"informational_error": int64(rd.InformationalError),
		"is_virtual":          rd.IsVirtual,
		"is_site":             rd.IsSite,
		"is_daylight":         rd.IsDaylight,
		"temperature":         rd.Weather.Temperature,
		"uv_index":            rd.Weather.UVIndex,
		"precip_intensity":    rd.Weather.PrecipitationIntensity,
		"cloud_cover":         rd.Weather.CloudCover,
		"visibility":          rd.Weather.Visibility,
	}
	if rd.Weather.Summary != "" {
		fields["weather_summary"] = rd.Weather.Summary
	}
	if rd.InformationalErrorText != "" {
		fields["informational_error_text"] = rd.InformationalErrorText
	}
	for name, v := range map[string]domain.OptFloat{
		"real_power":            rd.RealPower,
		"total_energy_consumed": rd.TotalEnergyConsumed,
		"energy_consumed":       rd.EnergyConsumed,
		"average_voltage":       rd.AverageVoltage,
		"average_current":       rd.AverageCurrent,
		"power_factor":          rd.PowerFactor,
	} {
		if v.Set {
			fields[name] = v.Value
		}
	}

	return influxdb3.NewPoint(readingMeasurement, tags, fields, rd.Timestamp)
}

// Latest returns the most recent reading for a device
func (r *InfluxIndex) Latest(ctx context.Context, customerID, deviceID string) (*domain.Reading, error) {
	query := "SELECT * FROM " + readingMeasurement +
		" WHERE customer_id = $customer AND device_id = $device ORDER BY time DESC LIMIT 1"
	rows, err := r.query(ctx, query, influxdb3.QueryParameters{
		"customer": customerID,
		"device":   deviceID,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrNotFound
	}
	return &rows[0], nil
}

// Window returns readings between start and end, oldest first
func (r *InfluxIndex) Window(ctx context.Context, customerID, deviceID string, start, end time.Time) ([]domain.Reading, error) {
	query := "SELECT * FROM " + readingMeasurement +
		" WHERE customer_id = $customer AND device_id = $device" +
		" AND time >= $start AND time <= $end ORDER BY time ASC"
	return r.query(ctx, query, influxdb3.QueryParameters{
		"customer": customerID,
		"device":   deviceID,
		"start":    start.UTC().Format(time.RFC3339Nano),
		"end":      end.UTC().Format(time.RFC3339Nano),
	})
}

// PreviousTotal looks back for the last recorded cumulative energy value
func (r *InfluxIndex) PreviousTotal(ctx context.Context, customerID, deviceID string, before time.Time, lookback time.Duration) (domain.OptFloat, error) {
	query := "SELECT total_energy_consumed FROM " + readingMeasurement +
		" WHERE customer_id = $customer AND device_id = $device" +
		" AND total_energy_consumed IS NOT NULL AND time < $before AND time >= $after" +
		" ORDER BY time DESC LIMIT 1"
	rows, err := r.query(ctx, query, influxdb3.QueryParameters{
		"customer": customerID,
		"device":   deviceID,
		"before":   before.UTC().Format(time.RFC3339Nano),
		"after":    before.Add(-lookback).UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return domain.OptFloat{}, err
	}
	if len(rows) == 0 {
		return domain.OptFloat{}, nil
	}
	return rows[0].TotalEnergyConsumed, nil
}

func (r *InfluxIndex) query(ctx context.Context, query string, params influxdb3.QueryParameters) ([]domain.Reading, error) {
	client, err := r.client()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	iterator, err := client.QueryWithParameters(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("%w: query failed: %v", domain.ErrIndexUnavailable, err)
	}

	var results []domain.Reading
	for iterator.Next() {
		results = append(results, pointToReading(iterator.Value()))
	}
	return results, nil
}

// pointToReading converts a result row to a reading
func pointToReading(value map[string]interface{}) domain.Reading {
	rd := domain.Reading{
		CustomerID:             getStringValue(value, "customer_id"),
		DeviceID:               getStringValue(value, "device_id"),
		SiteID:                 getStringValue(value, "site_id"),
		Source:                 getStringValue(value, "source"),
		DeviceName:             getStringValue(value, "device_name"),
		InformationalErrorText: getStringValue(value, "informational_error_text"),
		InformationalError:     domain.Unset,
		IsVirtual:              getBoolValue(value, "is_virtual"),
		IsSite:                 getBoolValue(value, "is_site"),
		IsDaylight:             getBoolValue(value, "is_daylight"),

		RealPower:           getOptValue(value, "real_power"),
		TotalEnergyConsumed: getOptValue(value, "total_energy_consumed"),
		EnergyConsumed:      getOptValue(value, "energy_consumed"),
		AverageVoltage:      getOptValue(value, "average_voltage"),
		AverageCurrent:      getOptValue(value, "average_current"),
		PowerFactor:         getOptValue(value, "power_factor"),

		Weather: domain.Weather{
			Temperature:            getOptValue(value, "temperature").Or(0),
			UVIndex:                getOptValue(value, "uv_index").Or(domain.Unset),
			PrecipitationIntensity: getOptValue(value, "precip_intensity").Or(0),
			CloudCover:             getOptValue(value, "cloud_cover").Or(domain.Unset),
			Visibility:             getOptValue(value, "visibility").Or(domain.Unset),
			Summary:                getStringValue(value, "weather_summary"),
		},
	}

	if v := getOptValue(value, "informational_error"); v.Set {
		rd.InformationalError = int(v.Value)
	}
	if ts, ok := value["time"].(time.Time); ok {
		rd.Timestamp = ts
	}
	return rd
}

// Helper functions with better type handling
func getStringValue(data map[string]interface{}, key string) string {
	if val, ok := data[key].(string); ok {
		return val
	}
	return ""
}

func getBoolValue(data map[string]interface{}, key string) bool {
	val, _ := data[key].(bool)
	return val
}

func getOptValue(data map[string]interface{}, key string) domain.OptFloat {
	switch val := data[key].(type) {
	case float64:
		return domain.Some(val)
	case float32:
		return domain.Some(float64(val))
	case int64:
		return domain.Some(float64(val))
	case int:
		return domain.Some(float64(val))
	default:
		return domain.OptFloat{}
	}
}
