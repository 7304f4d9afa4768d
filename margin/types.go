/*
Package margin computes reseller margin per traffic record and records it in
an append-only ledger.

PURPOSE:
  For every traffic record the engine resolves, as of the traffic date:
  routing (which vendor carried it), the vendor rate, the client rate and -
  when currencies differ - the FX rate. It then computes cost, revenue and
  margin with fixed 6-decimal arithmetic and appends one immutable ledger
  entry carrying every intermediate value, so the ledger is auditable
  without re-running the pipeline.

KEY CONCEPTS IN THIS FILE (types.go):
  - Channel/UseCase: the pricing dimensions alongside client and country
  - FeeSchedule: the four fee components of a versioned rate row
  - VendorRate/ClientRate/RoutingAssignment/FxRate: versioned rows
  - TrafficRecord: immutable input, with component counts
  - LedgerEntry: full snapshot of one computation (or its reversal)

DESIGN PRINCIPLES:
  1. Immutability: ledger entries are never modified, only reversed
  2. Precision: decimal.Decimal everywhere money is touched
  3. Auditability: entries snapshot rates and counts, not just results

SEE ALSO:
  - engine.go: resolution pipeline and batch computation
  - money.go: rounding policy
  - errors.go: failure taxonomy
*/
package margin

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/margin-engine/temporal"
)

// =============================================================================
// PRICING DIMENSIONS
// =============================================================================

type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelViber    Channel = "viber"
	ChannelRCS      Channel = "rcs"
	ChannelVoice    Channel = "voice"
	ChannelEmail    Channel = "email"
	ChannelOther    Channel = "other"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelWhatsApp, ChannelViber, ChannelRCS, ChannelVoice, ChannelEmail, ChannelOther:
		return true
	}
	return false
}

type UseCase string

const (
	UseCaseDefault       UseCase = "default"
	UseCaseOTP           UseCase = "otp"
	UseCaseMarketing     UseCase = "marketing"
	UseCaseTransactional UseCase = "transactional"
	UseCaseAlerts        UseCase = "alerts"
	UseCaseNotifications UseCase = "notifications"
	UseCaseSupport       UseCase = "support"
)

func (u UseCase) Valid() bool {
	switch u {
	case UseCaseDefault, UseCaseOTP, UseCaseMarketing, UseCaseTransactional,
		UseCaseAlerts, UseCaseNotifications, UseCaseSupport:
		return true
	}
	return false
}

// =============================================================================
// FEE SCHEDULE - The four priced components of a rate row
// =============================================================================

// FeeSchedule is the closed set of fee components on every versioned rate.
// A closed set, rather than a dynamic key-value bag, keeps the arithmetic
// deterministic.
type FeeSchedule struct {
	Setup   decimal.Decimal
	Monthly decimal.Decimal
	MT      decimal.Decimal // per mobile-terminated message
	MO      decimal.Decimal // per mobile-originated message
}

// Validate rejects negative fees before any write.
func (f FeeSchedule) Validate() error {
	for _, c := range []struct {
		name string
		v    decimal.Decimal
	}{
		{"setup_fee", f.Setup},
		{"monthly_fee", f.Monthly},
		{"mt_fee", f.MT},
		{"mo_fee", f.MO},
	} {
		if c.v.IsNegative() {
			return &ValidationError{Field: c.name, Message: "must not be negative"}
		}
	}
	return nil
}

// =============================================================================
// VERSIONED ROWS
// =============================================================================

// VendorRate is what an upstream vendor charges for one
// (vendor, country, channel, use case) over a validity window.
type VendorRate struct {
	ID           int64
	VendorID     int64
	CountryCode  string
	Channel      Channel
	UseCase      UseCase
	Fees         FeeSchedule
	Currency     string
	Discontinued bool
	Interval     temporal.Interval
	BatchID      *int64
	Notes        string
}

// ClientRate is what a downstream client is billed for one
// (client, country, channel, use case) over a validity window.
type ClientRate struct {
	ID              int64
	ClientID        int64
	CountryCode     string
	Channel         Channel
	UseCase         UseCase
	Fees            FeeSchedule
	Currency        string
	ContractVersion string
	Interval        temporal.Interval
	BatchID         *int64
	Notes           string
}

// RoutingAssignment says which vendor carries a client's traffic for one
// (client, country, channel, use case). Lowest priority wins among
// candidates valid on the same date; ties break on most recent start.
type RoutingAssignment struct {
	ID          int64
	ClientID    int64
	CountryCode string
	Channel     Channel
	UseCase     UseCase
	VendorID    int64
	Priority    int
	Interval    temporal.Interval
	BatchID     *int64
	Notes       string
}

// FxRate converts FromCurrency into ToCurrency: Rate units of ToCurrency
// per 1 FromCurrency.
type FxRate struct {
	ID           int64
	FromCurrency string
	ToCurrency   string
	Rate         decimal.Decimal
	Interval     temporal.Interval
	Source       string
	BatchID      *int64
}

// Validate rejects non-positive FX rates before any write.
func (f FxRate) Validate() error {
	if !f.Rate.IsPositive() {
		return &ValidationError{Field: "rate", Message: "must be positive"}
	}
	if f.FromCurrency == "" || f.ToCurrency == "" {
		return &ValidationError{Field: "currency", Message: "both currencies are required"}
	}
	if f.FromCurrency == f.ToCurrency {
		return &ValidationError{Field: "currency", Message: "from and to currency must differ"}
	}
	return nil
}

// =============================================================================
// TRAFFIC
// =============================================================================

// TrafficRecord is one loaded traffic row. Immutable once loaded.
type TrafficRecord struct {
	ID          int64
	BatchID     int64
	ClientID    int64
	CountryCode string
	Channel     Channel
	UseCase     UseCase
	Date        temporal.Date

	SetupCount   int64
	MonthlyCount int64
	MTCount      int64
	MOCount      int64
}

// MessageCount is derived, never independently settable.
func (t TrafficRecord) MessageCount() int64 { return t.MTCount + t.MOCount }

// =============================================================================
// LEDGER ENTRY - Immutable snapshot of one computation
// =============================================================================

// LedgerEntry snapshots every rate, fee and count used in a margin
// computation. A reversal is a field-for-field copy with counts and money
// negated, linked to the original.
type LedgerEntry struct {
	ID              int64
	TrafficRecordID *int64
	ClientID        int64
	VendorID        int64
	CountryCode     string
	Channel         Channel
	UseCase         UseCase
	TrafficDate     temporal.Date

	SetupCount   int64
	MonthlyCount int64
	MTCount      int64
	MOCount      int64
	MessageCount int64

	VendorRateID   *int64
	VendorFees     FeeSchedule
	VendorCurrency string
	VendorCost     decimal.Decimal
	// Blended per-message rate, display/audit only. Never feeds back into
	// the arithmetic.
	VendorRatePerMessage decimal.Decimal

	ClientRateID         *int64
	ClientFees           FeeSchedule
	ClientCurrency       string
	ClientRevenue        decimal.Decimal
	ClientRatePerMessage decimal.Decimal

	FxRateID           *int64
	FxRate             *decimal.Decimal
	NormalizedCost     decimal.Decimal
	NormalizedCurrency string

	Margin decimal.Decimal

	CalculatedAt time.Time

	IsReversal      bool
	OriginalEntryID *int64
	ReversalReason  string
}

// Reversal builds the sign-negated copy that offsets e. Counts and every
// money amount flip sign; rates, fees and FX snapshots are preserved as
// recorded.
func (e LedgerEntry) Reversal(reason string) LedgerEntry {
	r := e
	r.ID = 0
	r.SetupCount = -e.SetupCount
	r.MonthlyCount = -e.MonthlyCount
	r.MTCount = -e.MTCount
	r.MOCount = -e.MOCount
	r.MessageCount = -e.MessageCount
	r.VendorCost = e.VendorCost.Neg()
	r.ClientRevenue = e.ClientRevenue.Neg()
	r.NormalizedCost = e.NormalizedCost.Neg()
	r.Margin = e.Margin.Neg()
	r.IsReversal = true
	orig := e.ID
	r.OriginalEntryID = &orig
	r.ReversalReason = reason
	r.CalculatedAt = time.Time{}
	return r
}

// =============================================================================
// BATCH RESULTS
// =============================================================================

type ErrorType string

const (
	ErrNoRouting        ErrorType = "no_routing"
	ErrNoVendorRate     ErrorType = "no_vendor_rate"
	ErrNoClientRate     ErrorType = "no_client_rate"
	ErrNoFxRate         ErrorType = "no_fx_rate"
	ErrCalculationError ErrorType = "calculation_error"
)

// ComputeError is one per-record failure. Recoverable at the batch level:
// it recurs until the missing configuration (a rate, a route, an FX pair)
// is added.
type ComputeError struct {
	TrafficRecordID int64     `json:"trafficRecordId"`
	ErrorType       ErrorType `json:"errorType"`
	Message         string    `json:"message"`
}

type Summary struct {
	TotalVendorCost    decimal.Decimal `json:"totalVendorCost"`
	TotalClientRevenue decimal.Decimal `json:"totalClientRevenue"`
	TotalMargin        decimal.Decimal `json:"totalMargin"`
}

// ComputeResult reports a whole batch run. A per-record failure never aborts
// the batch; the summary covers successful records only.
type ComputeResult struct {
	TotalRecords int            `json:"totalRecords"`
	SuccessCount int            `json:"successCount"`
	ErrorCount   int            `json:"errorCount"`
	Errors       []ComputeError `json:"errors"`
	Summary      Summary        `json:"summary"`
}

// BatchStatus reflects how a compute run ended on the upload batch row.
type BatchStatus string

const (
	BatchCompleted           BatchStatus = "completed"
	BatchCompletedWithErrors BatchStatus = "completed_with_errors"
	BatchFailed              BatchStatus = "failed"
)

// Progress is reported to the caller after each chunk.
type Progress struct {
	BatchID   int64 `json:"batchId"`
	Processed int   `json:"processed"`
	Total     int   `json:"total"`
}
