package adapter

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

const (
	acquiSuiteVendor = "acquisuite"

	// logFileUploadMode is the only mode that carries meter data.
	logFileUploadMode = "LOGFILEUPLOAD"
	okErrorText       = "Ok"

	acquiSuiteTimeLayout = "2006-01-02 15:04:05"
)

type dasPayload struct {
	XMLName xml.Name    `xml:"DAS"`
	Mode    string      `xml:"mode"`
	Name    string      `xml:"name"`
	Serial  string      `xml:"serial"`
	Devices []dasDevice `xml:"devices>device"`
}

type dasDevice struct {
	Name    string      `xml:"name"`
	Type    string      `xml:"type"`
	Serial  string      `xml:"serial"`
	Records []dasRecord `xml:"records>record"`
}

type dasRecord struct {
	Time   dasTime    `xml:"time"`
	Error  dasError   `xml:"error"`
	Points []dasPoint `xml:"point"`
}

type dasTime struct {
	Zone  string `xml:"zone,attr"`
	Value string `xml:",chardata"`
}

type dasError struct {
	Text string `xml:"text,attr"`
	Code string `xml:",chardata"`
}

type dasPoint struct {
	Number string `xml:"number,attr"`
	Name   string `xml:"name,attr"`
	Units  string `xml:"units,attr"`
	Value  string `xml:"value,attr"`
}

// ok reports whether the record's status is healthy. A missing error element
// counts as healthy.
func (e dasError) ok() bool {
	code := strings.TrimSpace(e.Code)
	text := strings.TrimSpace(e.Text)
	return (code == "" || code == "0") && (text == "" || strings.EqualFold(text, okErrorText))
}

// AcquiSuite handles Obvius AcquiSuite log uploads.
type AcquiSuite struct {
	base
}

// NewAcquiSuite creates the AcquiSuite adapter.
func NewAcquiSuite(deps Deps) *AcquiSuite {
	return &AcquiSuite{base: base{Deps: deps, vendor: acquiSuiteVendor}}
}

func (a *AcquiSuite) Vendor() string { return acquiSuiteVendor }

func (a *AcquiSuite) Handle(ctx context.Context, body, customerID string) (*domain.Reading, error) {
	var payload dasPayload
	if err := xml.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}

	if !strings.EqualFold(strings.TrimSpace(payload.Mode), logFileUploadMode) {
		logger.Debugf("AcquiSuite %s sent mode %q, nothing to record", payload.Serial, payload.Mode)
		if len(payload.Devices) > 0 && payload.Devices[0].Name != "" {
			if _, err := a.resolveDevice(ctx, customerID, payload.Devices[0].Name, payload.Devices[0].Serial); err != nil {
				logger.Warnf("update-mode check-in failed: %v", err)
			}
		}
		return nil, nil
	}

	if len(payload.Devices) == 0 || len(payload.Devices[0].Records) == 0 {
		return nil, fmt.Errorf("%w: log upload has no records", domain.ErrMalformedInput)
	}
	dev := payload.Devices[0]
	rec := dev.Records[0]
	ts := parseLocalTime(rec.Time.Value, rec.Time.Zone, acquiSuiteTimeLayout)

	if isLinkedPayload(rec.Points) {
		return nil, a.handleLinked(ctx, customerID, dev.Serial, rec.Points, ts)
	}

	device, err := a.resolveDevice(ctx, customerID, dev.Name, dev.Serial)
	if err != nil {
		return nil, err
	}

	if !rec.Error.ok() {
		msg := fmt.Sprintf("Error code: %s Error text: %s", strings.TrimSpace(rec.Error.Code), strings.TrimSpace(rec.Error.Text))
		return a.fault(ctx, device, ts, msg)
	}

	mapping := a.mapping(ctx, customerID)
	r := a.newReading(device, ts)
	for _, p := range rec.Points {
		attr, ok := mapping.Attribute(p.Name)
		if !ok {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(p.Value), 64)
		if err != nil {
			if isNull(p.Value) {
				if _, ferr := a.Faults.FaultDetected(ctx, customerID, device.ID, device.SiteID,
					fmt.Sprintf("No value for %s", p.Name)); ferr != nil {
					return nil, fmt.Errorf("recording fault: %w", ferr)
				}
				continue
			}
			logger.WithDevice(customerID, device.ID).Warnf("skipping point %q: unparseable value %q", p.Name, p.Value)
			continue
		}
		setAttribute(r, attr, value)
	}
	return r, nil
}

func isLinkedPayload(points []dasPoint) bool {
	for _, p := range points {
		if p.Name == CriticalAlarms || p.Name == InformativeAlarms {
			return true
		}
	}
	return false
}

func (a *AcquiSuite) handleLinked(ctx context.Context, customerID, serial string, points []dasPoint, ts time.Time) error {
	critical, informative := domain.Unset, domain.Unset
	for _, p := range points {
		v, err := strconv.Atoi(strings.TrimSpace(p.Value))
		if err != nil {
			continue
		}
		switch p.Name {
		case CriticalAlarms:
			critical = v
		case InformativeAlarms:
			informative = v
		}
	}
	return a.upsertLinked(ctx, customerID, serial, critical, informative, ts)
}
