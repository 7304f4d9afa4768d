package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/margin-engine/api"
	"github.com/warp/margin-engine/country"
	"github.com/warp/margin-engine/margin"
	"github.com/warp/margin-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) (*httptest.Server, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	normalizer, err := country.New(context.Background(), store, nil)
	require.NoError(t, err)

	engine := &margin.Engine{
		Routing:     store,
		VendorRates: store,
		ClientRates: store,
		Fx:          store,
		Traffic:     store,
		Ledger:      store,
		Batches:     store,
		Logger:      zerolog.Nop(),
	}

	handler := api.NewHandler(store, normalizer, engine, zerolog.Nop())
	srv := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func post(t *testing.T, srv *httptest.Server, path string, body any) (*http.Response, map[string]any) {
	return doJSON(t, http.MethodPost, srv.URL+path, body)
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, map[string]any) {
	return doJSON(t, http.MethodGet, srv.URL+path, nil)
}

// getList decodes endpoints that return a JSON array.
func getList(t *testing.T, srv *httptest.Server, path string) (*http.Response, []map[string]any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

// seedSetup registers vendor 1 / client 1 and a complete USD rate chain.
func seedSetup(t *testing.T, srv *httptest.Server) {
	t.Helper()

	resp, _ := post(t, srv, "/api/vendors", map[string]any{"name": "Acme Carrier", "code": "ACME"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = post(t, srv, "/api/clients", map[string]any{"name": "Globex", "code": "GLOBEX"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = post(t, srv, "/api/routing", map[string]any{
		"clientId": 1, "countryCode": "US", "channel": "sms",
		"vendorId": 1, "priority": 1, "effectiveFrom": "2025-01-01",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = post(t, srv, "/api/rates/vendor", map[string]any{
		"vendorId": 1, "countryCode": "US", "channel": "sms",
		"fees": map[string]string{"mtFee": "0.05"}, "currency": "USD",
		"effectiveFrom": "2025-01-01",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = post(t, srv, "/api/rates/client", map[string]any{
		"clientId": 1, "countryCode": "US", "channel": "sms",
		"fees": map[string]string{"mtFee": "0.12"}, "currency": "USD",
		"effectiveFrom": "2025-01-01",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

// =============================================================================
// COUNTRY ENDPOINTS
// =============================================================================

func TestAPI_ResolveCountry_SingleAndBatch(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := post(t, srv, "/api/countries/resolve", map[string]any{"name": "America"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "exact_alias", body["status"])
	assert.Equal(t, "US", body["code"])

	resp, batch := post(t, srv, "/api/countries/resolve", map[string]any{
		"names": []string{"US", "Germeny", "Atlantis"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, batch, 3)
	us := batch["US"].(map[string]any)
	assert.Equal(t, "exact_master", us["status"])
	fuzzy := batch["Germeny"].(map[string]any)
	assert.Equal(t, "fuzzy_match", fuzzy["status"])
	assert.Equal(t, "DE", fuzzy["code"])
	missing := batch["Atlantis"].(map[string]any)
	assert.Equal(t, "unresolved", missing["status"])
}

func TestAPI_UnresolvedName_QueuedForReview(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := post(t, srv, "/api/countries/resolve", map[string]any{"name": "Freedonia"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, pending := getList(t, srv, "/api/countries/pending")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, pending, 1)
	assert.Equal(t, "Freedonia", pending[0]["rawName"])

	// Resolve it; the alias makes the next lookup exact
	id := int64(pending[0]["id"].(float64))
	resp, _ = post(t, srv, fmt.Sprintf("/api/countries/pending/%d/resolve", id), map[string]any{"countryCode": "US"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := post(t, srv, "/api/countries/resolve", map[string]any{"name": "Freedonia"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "exact_alias", body["status"])
}

func TestAPI_CreateAlias_ReloadsNormalizer(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := post(t, srv, "/api/countries/resolve", map[string]any{"name": "Deutschland"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "unresolved", body["status"])

	resp, _ = post(t, srv, "/api/countries/aliases", map[string]any{"countryCode": "DE", "alias": "Deutschland"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = post(t, srv, "/api/countries/resolve", map[string]any{"name": "Deutschland"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "exact_alias", body["status"])
	assert.Equal(t, "DE", body["code"])
}

// =============================================================================
// VERSIONED RATE ENDPOINTS
// =============================================================================

func TestAPI_OverlappingRate_Returns409WithConflictIDs(t *testing.T) {
	srv, _ := newTestServer(t)
	seedSetup(t, srv)

	// The seeded vendor rate is open-ended from 2025-01-01. A window that
	// starts earlier cannot be absorbed by the closure step.
	resp, body := post(t, srv, "/api/rates/vendor", map[string]any{
		"vendorId": 1, "countryCode": "US", "channel": "sms",
		"fees": map[string]string{"mtFee": "0.04"}, "currency": "USD",
		"effectiveFrom": "2024-06-01", "effectiveTo": "2025-06-01",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	ids, ok := body["conflictingIds"].([]any)
	require.True(t, ok, "409 body must name the conflicting rows: %v", body)
	assert.NotEmpty(t, ids)
}

func TestAPI_SupersedingRate_Succeeds(t *testing.T) {
	srv, _ := newTestServer(t)
	seedSetup(t, srv)

	resp, _ := post(t, srv, "/api/rates/vendor", map[string]any{
		"vendorId": 1, "countryCode": "US", "channel": "sms",
		"fees": map[string]string{"mtFee": "0.06"}, "currency": "USD",
		"effectiveFrom": "2025-06-01",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// As-of queries straddle the boundary
	resp, body := get(t, srv, "/api/rates/vendor/effective?vendor_id=1&country=US&channel=sms&date=2025-05-31")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0.05", body["fees"].(map[string]any)["mtFee"])

	resp, body = get(t, srv, "/api/rates/vendor/effective?vendor_id=1&country=US&channel=sms&date=2025-06-01")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0.06", body["fees"].(map[string]any)["mtFee"])
}

func TestAPI_NegativeFee_Returns400(t *testing.T) {
	srv, _ := newTestServer(t)
	seedSetup(t, srv)

	resp, _ := post(t, srv, "/api/rates/client", map[string]any{
		"clientId": 1, "countryCode": "US", "channel": "sms",
		"fees": map[string]string{"mtFee": "-0.01"}, "currency": "USD",
		"effectiveFrom": "2026-01-01",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_EffectiveRate_MissingReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	seedSetup(t, srv)

	resp, _ := get(t, srv, "/api/rates/vendor/effective?vendor_id=1&country=US&channel=sms&date=2024-01-01")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// COMPUTE AND LEDGER ENDPOINTS
// =============================================================================

func TestAPI_ComputeAndReverse_FullFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	seedSetup(t, srv)

	resp, batch := post(t, srv, "/api/batches", map[string]any{"type": "traffic", "filename": "march.csv"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	batchID := int64(batch["id"].(float64))

	resp, _ = post(t, srv, "/api/traffic", map[string]any{
		"batchId": batchID, "clientId": 1, "countryCode": "US",
		"channel": "sms", "date": "2025-03-15", "mtCount": 100,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Compute
	resp, result := post(t, srv, "/api/margins/compute", map[string]any{"batchId": batchID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), result["successCount"])
	summary := result["summary"].(map[string]any)
	assert.Equal(t, "7", summary["totalMargin"])

	// Ledger shows the entry
	resp, page := get(t, srv, "/api/ledger?client_id=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := page["data"].([]any)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, "7", entry["margin"])
	entryID := int64(entry["id"].(float64))

	// Reverse it
	resp, reversal := post(t, srv, fmt.Sprintf("/api/ledger/%d/reverse", entryID), map[string]any{"reason": "bad upload"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, reversal["isReversal"])
	assert.Equal(t, "-7", reversal["margin"])

	// Second reversal conflicts
	resp, _ = post(t, srv, fmt.Sprintf("/api/ledger/%d/reverse", entryID), map[string]any{"reason": "again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Summary nets to zero
	resp, rows := getList(t, srv, "/api/margins/summary?from=2025-03-01&to=2025-03-31")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, rows, 1)
	assert.Equal(t, "0.000000", rows[0]["margin"])
}

func TestAPI_ComputeWithMissingConfig_ReportsErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	seedSetup(t, srv)

	resp, batch := post(t, srv, "/api/batches", map[string]any{"type": "traffic", "filename": "de.csv"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	batchID := int64(batch["id"].(float64))

	// DE traffic has no routing configured
	resp, _ = post(t, srv, "/api/traffic", map[string]any{
		"batchId": batchID, "clientId": 1, "countryCode": "DE",
		"channel": "sms", "date": "2025-03-15", "mtCount": 100,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, result := post(t, srv, "/api/margins/compute", map[string]any{"batchId": batchID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), result["successCount"])
	errs := result["errors"].([]any)
	require.Len(t, errs, 1)
	assert.Equal(t, "no_routing", errs[0].(map[string]any)["errorType"])
}

func TestAPI_GetLedgerEntry_Missing404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := get(t, srv, "/api/ledger/999")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
