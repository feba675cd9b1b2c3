package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
)

const sample = `
currency: kes
plans:
  - slug: hour-1
    name: 1 Hour Unlimited
    price: "20"
    validity_hours: 1
    nas_profile: hourly
  - slug: day-1
    name: Daily
    price: "50.00"
    validity_days: 1
    validity_hours: 6
    download_kbps: 4096
  - slug: data-1gb
    name: 1GB Bundle
    price: "99.50"
    data_limit_mb: 1024
  - slug: legacy
    name: Old weekly
    price: "300"
    validity_days: 7
    disabled: true
`

func TestParse(t *testing.T) {
	plans, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, plans, 4)

	hour := plans[0]
	assert.Equal(t, "KES", hour.Currency)
	assert.Equal(t, "20", hour.Price.String())
	assert.Equal(t, "hourly", *hour.NASProfile)
	assert.True(t, hour.IsActive)

	assert.Equal(t, 24*60*60, int(plans[1].Validity().Seconds()), "days take precedence over hours")
	assert.True(t, plans[2].IsDataBound())
	assert.False(t, plans[3].IsActive)

	again, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, plans[0].ID, again[0].ID, "ids are stable across reloads")
	assert.NotEqual(t, plans[0].ID, plans[1].ID)
}

func TestParseRejectsBadPlans(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing slug", `plans: [{name: a, price: "1", validity_hours: 1}]`},
		{"bad price", `plans: [{slug: a, name: a, price: "abc", validity_hours: 1}]`},
		{"negative price", `plans: [{slug: a, name: a, price: "-1", validity_hours: 1}]`},
		{"unbounded", `plans: [{slug: a, name: a, price: "1"}]`},
		{"duplicate slug", `plans: [{slug: a, name: a, price: "1", validity_hours: 1}, {slug: a, name: b, price: "1", validity_hours: 1}]`},
		{"not yaml", `plans: [`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFileAndServe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	plans, err := LoadFile(path)
	require.NoError(t, err)

	store := ledger.NewMemoryStore()
	require.NoError(t, Sync(context.Background(), store, plans))

	router := NewHandler(store).Routes()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Data []ledger.Plan `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed.Data, 3, "disabled plans are hidden")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+plans[2].ID.String(), nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+plans[3].ID.String(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
