package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/config"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/lease"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/notify"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/repository"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/service"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/weather"
)

type nopSender struct{}

func (nopSender) Send(context.Context, string, string, notify.Body) error { return nil }

func newTestRouter(t *testing.T) (*gin.Engine, *repository.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore()
	geo := weather.NewService("", "")
	svc := service.NewService(&config.Config{
		DBType:             "memory",
		BatchSize:          100,
		FlushInterval:      50,
		RolloverThreshold:  1_000_000,
		RolloverMargin:     1_000,
		NoiseFloorKW:       0.1,
		NoDataWindow:       45 * time.Minute,
		StaleReading:       time.Hour,
		HistoryWindow:      2 * time.Hour,
		IndexFailureWindow: 30 * time.Minute,
		AlarmRetention:     365 * 24 * time.Hour,
		LastTotalLookback:  7 * 24 * time.Hour,
		LeaseTTL:           time.Minute,
		SweepParallelism:   2,
	}, service.Deps{
		Store:   store,
		Index:   repository.NewMemoryIndex(),
		Sender:  nopSender{},
		Locker:  lease.NewLocal(),
		Weather: geo,
	})
	t.Cleanup(func() {
		_ = svc.Close()
		geo.Close()
	})
	return NewRouter(svc), store
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(traceHeader))
}

func TestMappingLifecycle(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/customers/cust/mappings", `{"mappingName": "pac_kw", "attribute": "Total Real Power"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(r, http.MethodPost, "/api/customers/cust/mappings", `{"mappingName": "pac_kw", "attribute": "Wattage"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/customers/cust/mappings", `{"attribute": "Total Real Power"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/customers/cust/mappings", "")
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Count    int                       `json:"count"`
		Mappings []domain.AttributeMapping `json:"mappings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Equal(t, 1, listed.Count)
	assert.Equal(t, "cust", listed.Mappings[0].CustomerID)

	w = do(r, http.MethodDelete, "/api/customers/cust/mappings/pac_kw", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmitData(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/customers/cust/data", "not a payload")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/customers/cust/data", `{"serial_no": "SN-1", "alarm_1": 0, "alarm_2": 4}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestSweepsAndAlarms(t *testing.T) {
	r, store := newTestRouter(t)
	store.PutDevice(domain.Device{ID: "quiet", ClientID: "cust", Name: "quiet", SiteID: "s1"})

	w := do(r, http.MethodPost, "/api/sweeps/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/api/customers/cust/alarms", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count  int            `json:"count"`
		Alarms []domain.Alarm `json:"alarms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "no recent data", resp.Alarms[0].Message)

	w = do(r, http.MethodPost, "/api/sweeps/cleanup", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/api/sweeps/bogus", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodDelete, "/api/customers/cust/devices/quiet", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(r, http.MethodDelete, "/api/customers/cust/devices/quiet", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRawQueue(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/customers/cust/raw", `{"serial_no": "SN-1", "alarm_1": 1}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = do(r, http.MethodPost, "/api/raw/drain", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"processed":1`)

	w = do(r, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"received":1`)

	var stats struct {
		Cache map[string]map[string]int `json:"cache"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Contains(t, stats.Cache, "mappings")
	assert.Contains(t, stats.Cache, "weather")
	assert.Contains(t, stats.Cache["weather"], "active_items")
}

func TestCORSPreflight(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(r, http.MethodOptions, "/api/stats", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
