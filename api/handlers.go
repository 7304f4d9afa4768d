/*
handlers.go - HTTP API handlers for the margin engine

PURPOSE:
  Exposes the margin engine over REST. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Countries:
    POST   /api/countries/resolve              Resolve one name or a batch
    GET    /api/countries                      List master data
    POST   /api/countries/aliases              Add alias (reloads normalizer)
    GET    /api/countries/pending              Unresolved names awaiting review
    POST   /api/countries/pending/{id}/resolve Map a pending name to a code

  Rates (versioned; 409 + conflicting IDs on overlap):
    POST/GET /api/rates/vendor      (+ /effective, /{id}/discontinue)
    POST/GET /api/rates/client      (+ /effective)
    POST/GET /api/routing           (+ /effective)
    POST/GET /api/fx                (+ /effective)

  Margins:
    POST   /api/margins/compute     Compute a traffic batch -> ComputeResult
    GET    /api/margins/summary     Aggregated margin over a date range

  Ledger:
    GET    /api/ledger              Filtered, paginated entries
    GET    /api/ledger/{id}
    POST   /api/ledger/{id}/reverse Append the offsetting entry

  Admin:
    vendors/clients create+list, /api/batches, /api/traffic

ERROR HANDLING:
  - 400: validation errors, malformed input
  - 404: missing entry
  - 409: interval overlap, double reversal, reversal of a reversal
  - 500: everything else

SEE ALSO:
  - dto.go: request/response shapes
  - server.go: router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/margin-engine/country"
	"github.com/warp/margin-engine/margin"
	"github.com/warp/margin-engine/store/sqlite"
	"github.com/warp/margin-engine/temporal"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Normalizer *country.Normalizer
	Engine     *margin.Engine
	Logger     zerolog.Logger
}

// NewHandler wires the handler from its dependencies.
func NewHandler(store *sqlite.Store, normalizer *country.Normalizer, engine *margin.Engine, logger zerolog.Logger) *Handler {
	return &Handler{Store: store, Normalizer: normalizer, Engine: engine, Logger: logger}
}

// =============================================================================
// COUNTRY HANDLERS
// =============================================================================

// ResolveCountries resolves one name or a batch of names.
// POST /api/countries/resolve
func (h *Handler) ResolveCountries(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if len(req.Names) > 0 {
		matches := h.Normalizer.ResolveBatch(req.Names)
		dtos := make(map[string]MatchDTO, len(matches))
		for raw, m := range matches {
			dtos[raw] = toMatchDTO(m)
		}
		writeJSON(w, http.StatusOK, dtos)
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "Provide name or names", nil)
		return
	}
	m := h.Normalizer.Resolve(req.Name)
	if !m.Resolved() {
		// Queue for operator review; suggestion left empty since no stage
		// produced a candidate.
		if err := h.Store.RecordPending(r.Context(), req.Name, nil, "", nil); err != nil {
			h.Logger.Warn().Err(err).Str("name", req.Name).Msg("could not queue pending resolution")
		}
	}
	writeJSON(w, http.StatusOK, toMatchDTO(m))
}

// ListCountries returns the master list.
// GET /api/countries
func (h *Handler) ListCountries(w http.ResponseWriter, r *http.Request) {
	countries, err := h.Store.Countries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list countries", err)
		return
	}
	writeJSON(w, http.StatusOK, countries)
}

// CreateAlias stores a new alias and reloads the normalizer cache.
// POST /api/countries/aliases
func (h *Handler) CreateAlias(w http.ResponseWriter, r *http.Request) {
	var req CreateAliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Store.SaveAlias(r.Context(), country.Alias{
		CountryCode: req.CountryCode,
		Alias:       req.Alias,
		Source:      "manual",
	})
	if err != nil {
		writeDomainError(w, "Failed to save alias", err)
		return
	}
	if err := h.Normalizer.Reload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Alias saved but cache reload failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

// ListPendingResolutions returns names awaiting operator review.
// GET /api/countries/pending
func (h *Handler) ListPendingResolutions(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Store.ListPending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list pending resolutions", err)
		return
	}
	if pending == nil {
		pending = []sqlite.PendingResolution{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// ResolvePendingName maps a pending raw name to a country code and saves the
// mapping as an alias.
// POST /api/countries/pending/{id}/resolve
func (h *Handler) ResolvePendingName(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return
	}
	var req ResolvePendingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Store.ResolvePending(r.Context(), id, req.CountryCode)
	if err != nil {
		writeDomainError(w, "Failed to resolve pending name", err)
		return
	}
	if err := h.Normalizer.Reload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Resolved but cache reload failed", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// =============================================================================
// VENDOR RATE HANDLERS
// =============================================================================

// CreateVendorRate inserts a versioned vendor rate.
// POST /api/rates/vendor
func (h *Handler) CreateVendorRate(w http.ResponseWriter, r *http.Request) {
	var req VendorRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	fees, err := parseFees(req.Fees)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid fees", err)
		return
	}
	iv, err := parseInterval(req.EffectiveFrom, req.EffectiveTo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective dates", err)
		return
	}

	rate, err := h.Store.InsertVendorRate(r.Context(), margin.VendorRate{
		VendorID:    req.VendorID,
		CountryCode: strings.ToUpper(req.CountryCode),
		Channel:     margin.Channel(req.Channel),
		UseCase:     useCaseOrDefault(req.UseCase),
		Fees:        fees,
		Currency:    currencyOrDefault(req.Currency),
		Interval:    iv,
		BatchID:     req.BatchID,
		Notes:       req.Notes,
	})
	if err != nil {
		writeDomainError(w, "Failed to create vendor rate", err)
		return
	}
	writeJSON(w, http.StatusCreated, toVendorRateDTO(*rate))
}

// ListVendorRates returns a filtered, paginated rate history.
// GET /api/rates/vendor
func (h *Handler) ListVendorRates(w http.ResponseWriter, r *http.Request) {
	f := sqlite.VendorRateFilter{
		VendorID:    queryInt(r, "vendor_id"),
		CountryCode: strings.ToUpper(r.URL.Query().Get("country")),
		Channel:     margin.Channel(r.URL.Query().Get("channel")),
	}
	if d, ok := queryDate(r, "effective_on"); ok {
		f.EffectiveOn = &d
	}

	page, err := h.Store.ListVendorRates(r.Context(), f, pageRequest(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list vendor rates", err)
		return
	}
	writeJSON(w, http.StatusOK, mapPage(page, toVendorRateDTO))
}

// EffectiveVendorRate answers the as-of query.
// GET /api/rates/vendor/effective?vendor_id=&country=&channel=&use_case=&date=
func (h *Handler) EffectiveVendorRate(w http.ResponseWriter, r *http.Request) {
	vendorID := queryInt(r, "vendor_id")
	if vendorID == nil {
		writeError(w, http.StatusBadRequest, "vendor_id is required", nil)
		return
	}
	asOf, ok := queryDate(r, "date")
	if !ok {
		asOf = temporal.Today()
	}

	rate, err := h.Store.EffectiveVendorRate(r.Context(), *vendorID,
		strings.ToUpper(r.URL.Query().Get("country")),
		margin.Channel(r.URL.Query().Get("channel")),
		useCaseOrDefault(r.URL.Query().Get("use_case")), asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve vendor rate", err)
		return
	}
	if rate == nil {
		writeError(w, http.StatusNotFound, "No vendor rate effective on that date", nil)
		return
	}
	writeJSON(w, http.StatusOK, toVendorRateDTO(*rate))
}

// DiscontinueVendorRate flags a vendor rate row as discontinued.
// POST /api/rates/vendor/{id}/discontinue
func (h *Handler) DiscontinueVendorRate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return
	}
	if err := h.Store.DiscontinueVendorRate(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to discontinue vendor rate", err)
		return
	}
	rate, err := h.Store.GetVendorRate(r.Context(), id)
	if err != nil || rate == nil {
		writeError(w, http.StatusInternalServerError, "Failed to load vendor rate", err)
		return
	}
	writeJSON(w, http.StatusOK, toVendorRateDTO(*rate))
}

// =============================================================================
// CLIENT RATE HANDLERS
// =============================================================================

// CreateClientRate inserts a versioned client rate.
// POST /api/rates/client
func (h *Handler) CreateClientRate(w http.ResponseWriter, r *http.Request) {
	var req ClientRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	fees, err := parseFees(req.Fees)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid fees", err)
		return
	}
	iv, err := parseInterval(req.EffectiveFrom, req.EffectiveTo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective dates", err)
		return
	}

	rate, err := h.Store.InsertClientRate(r.Context(), margin.ClientRate{
		ClientID:        req.ClientID,
		CountryCode:     strings.ToUpper(req.CountryCode),
		Channel:         margin.Channel(req.Channel),
		UseCase:         useCaseOrDefault(req.UseCase),
		Fees:            fees,
		Currency:        currencyOrDefault(req.Currency),
		ContractVersion: req.ContractVersion,
		Interval:        iv,
		BatchID:         req.BatchID,
		Notes:           req.Notes,
	})
	if err != nil {
		writeDomainError(w, "Failed to create client rate", err)
		return
	}
	writeJSON(w, http.StatusCreated, toClientRateDTO(*rate))
}

// ListClientRates returns a filtered, paginated rate history.
// GET /api/rates/client
func (h *Handler) ListClientRates(w http.ResponseWriter, r *http.Request) {
	f := sqlite.ClientRateFilter{
		ClientID:    queryInt(r, "client_id"),
		CountryCode: strings.ToUpper(r.URL.Query().Get("country")),
		Channel:     margin.Channel(r.URL.Query().Get("channel")),
		UseCase:     margin.UseCase(r.URL.Query().Get("use_case")),
	}
	if d, ok := queryDate(r, "effective_on"); ok {
		f.EffectiveOn = &d
	}

	page, err := h.Store.ListClientRates(r.Context(), f, pageRequest(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list client rates", err)
		return
	}
	writeJSON(w, http.StatusOK, mapPage(page, toClientRateDTO))
}

// EffectiveClientRate answers the as-of query.
// GET /api/rates/client/effective?client_id=&country=&channel=&use_case=&date=
func (h *Handler) EffectiveClientRate(w http.ResponseWriter, r *http.Request) {
	clientID := queryInt(r, "client_id")
	if clientID == nil {
		writeError(w, http.StatusBadRequest, "client_id is required", nil)
		return
	}
	asOf, ok := queryDate(r, "date")
	if !ok {
		asOf = temporal.Today()
	}

	rate, err := h.Store.EffectiveClientRate(r.Context(), *clientID,
		strings.ToUpper(r.URL.Query().Get("country")),
		margin.Channel(r.URL.Query().Get("channel")),
		useCaseOrDefault(r.URL.Query().Get("use_case")), asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve client rate", err)
		return
	}
	if rate == nil {
		writeError(w, http.StatusNotFound, "No client rate effective on that date", nil)
		return
	}
	writeJSON(w, http.StatusOK, toClientRateDTO(*rate))
}

// =============================================================================
// ROUTING HANDLERS
// =============================================================================

// CreateRouting inserts a versioned routing assignment.
// POST /api/routing
func (h *Handler) CreateRouting(w http.ResponseWriter, r *http.Request) {
	var req RoutingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	iv, err := parseInterval(req.EffectiveFrom, req.EffectiveTo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective dates", err)
		return
	}
	priority := req.Priority
	if priority == 0 {
		priority = 1
	}

	assignment, err := h.Store.InsertRouting(r.Context(), margin.RoutingAssignment{
		ClientID:    req.ClientID,
		CountryCode: strings.ToUpper(req.CountryCode),
		Channel:     margin.Channel(req.Channel),
		UseCase:     useCaseOrDefault(req.UseCase),
		VendorID:    req.VendorID,
		Priority:    priority,
		Interval:    iv,
		Notes:       req.Notes,
	})
	if err != nil {
		writeDomainError(w, "Failed to create routing assignment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRoutingDTO(*assignment))
}

// ListRouting returns filtered, paginated routing history.
// GET /api/routing
func (h *Handler) ListRouting(w http.ResponseWriter, r *http.Request) {
	f := sqlite.RoutingFilter{
		ClientID:    queryInt(r, "client_id"),
		VendorID:    queryInt(r, "vendor_id"),
		CountryCode: strings.ToUpper(r.URL.Query().Get("country")),
		Channel:     margin.Channel(r.URL.Query().Get("channel")),
	}
	if d, ok := queryDate(r, "effective_on"); ok {
		f.EffectiveOn = &d
	}

	page, err := h.Store.ListRouting(r.Context(), f, pageRequest(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list routing assignments", err)
		return
	}
	writeJSON(w, http.StatusOK, mapPage(page, toRoutingDTO))
}

// EffectiveRouting answers the as-of routing query.
// GET /api/routing/effective?client_id=&country=&channel=&use_case=&date=
func (h *Handler) EffectiveRouting(w http.ResponseWriter, r *http.Request) {
	clientID := queryInt(r, "client_id")
	if clientID == nil {
		writeError(w, http.StatusBadRequest, "client_id is required", nil)
		return
	}
	asOf, ok := queryDate(r, "date")
	if !ok {
		asOf = temporal.Today()
	}

	assignment, err := h.Store.EffectiveRouting(r.Context(), *clientID,
		strings.ToUpper(r.URL.Query().Get("country")),
		margin.Channel(r.URL.Query().Get("channel")),
		useCaseOrDefault(r.URL.Query().Get("use_case")), asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve routing", err)
		return
	}
	if assignment == nil {
		writeError(w, http.StatusNotFound, "No routing assignment effective on that date", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRoutingDTO(*assignment))
}

// =============================================================================
// FX HANDLERS
// =============================================================================

// CreateFxRate inserts a versioned FX rate.
// POST /api/fx
func (h *Handler) CreateFxRate(w http.ResponseWriter, r *http.Request) {
	var req FxRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rate", err)
		return
	}
	iv, err := parseInterval(req.EffectiveFrom, req.EffectiveTo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective dates", err)
		return
	}

	fx, err := h.Store.InsertFxRate(r.Context(), margin.FxRate{
		FromCurrency: req.FromCurrency,
		ToCurrency:   req.ToCurrency,
		Rate:         rate,
		Interval:     iv,
		Source:       req.Source,
	})
	if err != nil {
		writeDomainError(w, "Failed to create FX rate", err)
		return
	}
	writeJSON(w, http.StatusCreated, toFxRateDTO(*fx))
}

// ListFxRates returns filtered, paginated FX history.
// GET /api/fx
func (h *Handler) ListFxRates(w http.ResponseWriter, r *http.Request) {
	f := sqlite.FxFilter{
		FromCurrency: r.URL.Query().Get("from"),
		ToCurrency:   r.URL.Query().Get("to"),
	}
	if d, ok := queryDate(r, "effective_on"); ok {
		f.EffectiveOn = &d
	}

	page, err := h.Store.ListFxRates(r.Context(), f, pageRequest(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list FX rates", err)
		return
	}
	writeJSON(w, http.StatusOK, mapPage(page, toFxRateDTO))
}

// EffectiveFxRate answers the as-of query for a currency pair.
// GET /api/fx/effective?from=&to=&date=
func (h *Handler) EffectiveFxRate(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		writeError(w, http.StatusBadRequest, "from and to are required", nil)
		return
	}
	asOf, ok := queryDate(r, "date")
	if !ok {
		asOf = temporal.Today()
	}

	fx, err := h.Store.EffectiveFx(r.Context(), from, to, asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve FX rate", err)
		return
	}
	if fx == nil {
		writeError(w, http.StatusNotFound, "No FX rate effective on that date", nil)
		return
	}
	writeJSON(w, http.StatusOK, toFxRateDTO(*fx))
}

// =============================================================================
// TRAFFIC HANDLERS
// =============================================================================

// CreateTrafficRecord inserts a single traffic row. Bulk loads go through
// batches; this endpoint exists for tooling and tests.
// POST /api/traffic
func (h *Handler) CreateTrafficRecord(w http.ResponseWriter, r *http.Request) {
	var req TrafficRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	date, err := temporal.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	record, err := h.Store.InsertTrafficRecord(r.Context(), margin.TrafficRecord{
		BatchID:      req.BatchID,
		ClientID:     req.ClientID,
		CountryCode:  strings.ToUpper(req.CountryCode),
		Channel:      margin.Channel(req.Channel),
		UseCase:      useCaseOrDefault(req.UseCase),
		Date:         date,
		SetupCount:   req.SetupCount,
		MonthlyCount: req.MonthlyCount,
		MTCount:      req.MTCount,
		MOCount:      req.MOCount,
	})
	if err != nil {
		writeDomainError(w, "Failed to create traffic record", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTrafficDTO(*record))
}

// ListTraffic returns the rows of one batch.
// GET /api/traffic?batch_id=
func (h *Handler) ListTraffic(w http.ResponseWriter, r *http.Request) {
	batchID := queryInt(r, "batch_id")
	if batchID == nil {
		writeError(w, http.StatusBadRequest, "batch_id is required", nil)
		return
	}
	records, err := h.Store.TrafficByBatch(r.Context(), *batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list traffic", err)
		return
	}
	dtos := make([]TrafficDTO, len(records))
	for i, t := range records {
		dtos[i] = toTrafficDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// MARGIN HANDLERS
// =============================================================================

// ComputeMargins runs the engine over a traffic batch.
// POST /api/margins/compute
func (h *Handler) ComputeMargins(w http.ResponseWriter, r *http.Request) {
	var req ComputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.BatchID == 0 {
		writeError(w, http.StatusBadRequest, "batchId is required", nil)
		return
	}

	result, err := h.Engine.ComputeForBatch(r.Context(), req.BatchID, func(p margin.Progress) {
		h.Logger.Debug().
			Int64("batch_id", p.BatchID).
			Int("processed", p.Processed).
			Int("total", p.Total).
			Msg("compute progress")
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute batch", err)
		return
	}
	if result.Errors == nil {
		result.Errors = []margin.ComputeError{}
	}
	writeJSON(w, http.StatusOK, result)
}

// MarginSummary aggregates the ledger by client, vendor and country.
// GET /api/margins/summary?from=&to=
func (h *Handler) MarginSummary(w http.ResponseWriter, r *http.Request) {
	from, okFrom := queryDate(r, "from")
	to, okTo := queryDate(r, "to")
	if !okFrom || !okTo {
		writeError(w, http.StatusBadRequest, "from and to dates are required", nil)
		return
	}

	summary, err := h.Store.MarginSummary(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to aggregate margins", err)
		return
	}
	if summary == nil {
		summary = []sqlite.MarginSummaryRow{}
	}
	writeJSON(w, http.StatusOK, summary)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// ListLedger returns filtered, paginated ledger entries.
// GET /api/ledger
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	f := sqlite.LedgerFilter{
		ClientID:         queryInt(r, "client_id"),
		VendorID:         queryInt(r, "vendor_id"),
		CountryCode:      strings.ToUpper(r.URL.Query().Get("country")),
		Channel:          margin.Channel(r.URL.Query().Get("channel")),
		ExcludeReversals: r.URL.Query().Get("exclude_reversals") == "true",
	}
	if d, ok := queryDate(r, "from"); ok {
		f.DateFrom = &d
	}
	if d, ok := queryDate(r, "to"); ok {
		f.DateTo = &d
	}

	page, err := h.Store.ListLedger(r.Context(), f, pageRequest(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, mapPage(page, toLedgerEntryDTO))
}

// GetLedgerEntry returns one entry.
// GET /api/ledger/{id}
func (h *Handler) GetLedgerEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return
	}
	entry, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to load ledger entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTO(*entry))
}

// ReverseLedgerEntry appends the offsetting copy of an entry.
// POST /api/ledger/{id}/reverse
func (h *Handler) ReverseLedgerEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return
	}
	var req ReverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	reversal, err := h.Engine.Reverse(r.Context(), id, req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to reverse ledger entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(*reversal))
}

// =============================================================================
// PARTY / BATCH HANDLERS
// =============================================================================

// CreateVendor registers an upstream vendor.
// POST /api/vendors
func (h *Handler) CreateVendor(w http.ResponseWriter, r *http.Request) {
	var req VendorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	v, err := h.Store.CreateVendor(r.Context(), sqlite.Vendor{
		Name: req.Name, Code: req.Code, Currency: req.Currency,
	})
	if err != nil {
		writeDomainError(w, "Failed to create vendor", err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// ListVendors returns all vendors.
// GET /api/vendors
func (h *Handler) ListVendors(w http.ResponseWriter, r *http.Request) {
	vendors, err := h.Store.ListVendors(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list vendors", err)
		return
	}
	if vendors == nil {
		vendors = []sqlite.Vendor{}
	}
	writeJSON(w, http.StatusOK, vendors)
}

// CreateClient registers a downstream client.
// POST /api/clients
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req ClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	c, err := h.Store.CreateClient(r.Context(), sqlite.Client{
		Name: req.Name, Code: req.Code, BillingCurrency: req.BillingCurrency,
	})
	if err != nil {
		writeDomainError(w, "Failed to create client", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListClients returns all clients.
// GET /api/clients
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.Store.ListClients(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list clients", err)
		return
	}
	if clients == nil {
		clients = []sqlite.Client{}
	}
	writeJSON(w, http.StatusOK, clients)
}

// CreateBatch opens a new upload batch.
// POST /api/batches
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	b, err := h.Store.CreateBatch(r.Context(), req.Type, req.Filename)
	if err != nil {
		writeDomainError(w, "Failed to create batch", err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// ListBatches returns upload batches, optionally filtered by type.
// GET /api/batches?type=
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.Store.ListBatches(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list batches", err)
		return
	}
	if batches == nil {
		batches = []sqlite.UploadBatch{}
	}
	writeJSON(w, http.StatusOK, batches)
}

// =============================================================================
// RESPONSE / PARSING HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain errors to HTTP statuses: overlap and reversal
// conflicts to 409, validation to 400, missing entries to 404.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	var overlap *temporal.OverlapError
	if errors.As(err, &overlap) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:          message,
			Details:        overlap.Error(),
			ConflictingIDs: overlap.ConflictingIDs,
		})
		return
	}

	switch {
	case errors.Is(err, margin.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, margin.ErrAlreadyReversed),
		errors.Is(err, margin.ErrReverseReversal),
		errors.Is(err, margin.ErrImmutableLedger):
		writeError(w, http.StatusConflict, message, err)
	case margin.IsClientError(err), errors.Is(err, temporal.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func queryInt(r *http.Request, key string) *int64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func queryDate(r *http.Request, key string) (temporal.Date, bool) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return temporal.Date{}, false
	}
	d, err := temporal.ParseDate(s)
	if err != nil {
		return temporal.Date{}, false
	}
	return d, true
}

func pageRequest(r *http.Request) sqlite.PageRequest {
	var pr sqlite.PageRequest
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil {
		pr.Page = p
	}
	if s, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil {
		pr.PageSize = s
	}
	return pr
}

// mapPage converts a store page of domain rows into a page of DTOs.
func mapPage[T, U any](p *sqlite.Page[T], f func(T) U) *sqlite.Page[U] {
	out := &sqlite.Page[U]{
		Data:       make([]U, len(p.Data)),
		Total:      p.Total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: p.TotalPages,
	}
	for i, v := range p.Data {
		out.Data[i] = f(v)
	}
	return out
}

func parseFees(f FeeScheduleDTO) (margin.FeeSchedule, error) {
	var fees margin.FeeSchedule
	var err error
	if fees.Setup, err = parseFee(f.SetupFee); err != nil {
		return fees, err
	}
	if fees.Monthly, err = parseFee(f.MonthlyFee); err != nil {
		return fees, err
	}
	if fees.MT, err = parseFee(f.MTFee); err != nil {
		return fees, err
	}
	if fees.MO, err = parseFee(f.MOFee); err != nil {
		return fees, err
	}
	return fees, nil
}

func parseFee(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseInterval(from, to string) (temporal.Interval, error) {
	f, err := temporal.ParseDate(from)
	if err != nil {
		return temporal.Interval{}, err
	}
	if to == "" {
		return temporal.Open(f), nil
	}
	t, err := temporal.ParseDate(to)
	if err != nil {
		return temporal.Interval{}, err
	}
	return temporal.Closed(f, t), nil
}

func useCaseOrDefault(s string) margin.UseCase {
	if s == "" {
		return margin.UseCaseDefault
	}
	return margin.UseCase(s)
}

func currencyOrDefault(s string) string {
	if s == "" {
		return "USD"
	}
	return strings.ToUpper(s)
}
