/*
dto.go - Request/response data structures

PURPOSE:
  JSON shapes for the HTTP API, decoupled from domain types. Dates travel
  as "YYYY-MM-DD" strings, money as decimal strings - never floats.

SEE ALSO:
  - handlers.go: where these are populated
*/
package api

import (
	"github.com/warp/margin-engine/country"
	"github.com/warp/margin-engine/margin"
	"github.com/warp/margin-engine/temporal"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`

	// Populated on 409 overlap conflicts so callers can fix their schedule.
	ConflictingIDs []int64 `json:"conflictingIds,omitempty"`
}

// =============================================================================
// COUNTRY DTOs
// =============================================================================

type ResolveRequest struct {
	Name  string   `json:"name,omitempty"`
	Names []string `json:"names,omitempty"`
}

type MatchDTO struct {
	Input          string  `json:"input"`
	Status         string  `json:"status"`
	Code           string  `json:"code,omitempty"`
	Confidence     float64 `json:"confidence"`
	MatchedAgainst string  `json:"matchedAgainst,omitempty"`
}

func toMatchDTO(m country.Match) MatchDTO {
	return MatchDTO{
		Input:          m.Input,
		Status:         string(m.Status),
		Code:           m.Code,
		Confidence:     m.Confidence,
		MatchedAgainst: m.MatchedAgainst,
	}
}

type CreateAliasRequest struct {
	CountryCode string `json:"countryCode"`
	Alias       string `json:"alias"`
}

type ResolvePendingRequest struct {
	CountryCode string `json:"countryCode"`
}

// =============================================================================
// RATE DTOs
// =============================================================================

// FeeScheduleDTO carries the four fee components as decimal strings.
type FeeScheduleDTO struct {
	SetupFee   string `json:"setupFee"`
	MonthlyFee string `json:"monthlyFee"`
	MTFee      string `json:"mtFee"`
	MOFee      string `json:"moFee"`
}

type VendorRateRequest struct {
	VendorID      int64  `json:"vendorId"`
	CountryCode   string `json:"countryCode"`
	Channel       string `json:"channel"`
	UseCase       string `json:"useCase"`
	Fees          FeeScheduleDTO `json:"fees"`
	Currency      string `json:"currency"`
	EffectiveFrom string `json:"effectiveFrom"`
	EffectiveTo   string `json:"effectiveTo,omitempty"`
	BatchID       *int64 `json:"batchId,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

type ClientRateRequest struct {
	ClientID        int64  `json:"clientId"`
	CountryCode     string `json:"countryCode"`
	Channel         string `json:"channel"`
	UseCase         string `json:"useCase"`
	Fees            FeeScheduleDTO `json:"fees"`
	Currency        string `json:"currency"`
	ContractVersion string `json:"contractVersion,omitempty"`
	EffectiveFrom   string `json:"effectiveFrom"`
	EffectiveTo     string `json:"effectiveTo,omitempty"`
	BatchID         *int64 `json:"batchId,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

type RoutingRequest struct {
	ClientID      int64  `json:"clientId"`
	CountryCode   string `json:"countryCode"`
	Channel       string `json:"channel"`
	UseCase       string `json:"useCase"`
	VendorID      int64  `json:"vendorId"`
	Priority      int    `json:"priority"`
	EffectiveFrom string `json:"effectiveFrom"`
	EffectiveTo   string `json:"effectiveTo,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

type FxRateRequest struct {
	FromCurrency  string `json:"fromCurrency"`
	ToCurrency    string `json:"toCurrency"`
	Rate          string `json:"rate"`
	EffectiveFrom string `json:"effectiveFrom"`
	EffectiveTo   string `json:"effectiveTo,omitempty"`
	Source        string `json:"source,omitempty"`
}

type VendorRateDTO struct {
	ID            int64          `json:"id"`
	VendorID      int64          `json:"vendorId"`
	CountryCode   string         `json:"countryCode"`
	Channel       string         `json:"channel"`
	UseCase       string         `json:"useCase"`
	Fees          FeeScheduleDTO `json:"fees"`
	Currency      string         `json:"currency"`
	Discontinued  bool           `json:"discontinued"`
	EffectiveFrom string         `json:"effectiveFrom"`
	EffectiveTo   *string        `json:"effectiveTo"`
	Notes         string         `json:"notes,omitempty"`
}

func toVendorRateDTO(r margin.VendorRate) VendorRateDTO {
	return VendorRateDTO{
		ID:            r.ID,
		VendorID:      r.VendorID,
		CountryCode:   r.CountryCode,
		Channel:       string(r.Channel),
		UseCase:       string(r.UseCase),
		Fees:          toFeeDTO(r.Fees),
		Currency:      r.Currency,
		Discontinued:  r.Discontinued,
		EffectiveFrom: r.Interval.From.String(),
		EffectiveTo:   intervalToPtr(r.Interval),
		Notes:         r.Notes,
	}
}

type ClientRateDTO struct {
	ID              int64          `json:"id"`
	ClientID        int64          `json:"clientId"`
	CountryCode     string         `json:"countryCode"`
	Channel         string         `json:"channel"`
	UseCase         string         `json:"useCase"`
	Fees            FeeScheduleDTO `json:"fees"`
	Currency        string         `json:"currency"`
	ContractVersion string         `json:"contractVersion,omitempty"`
	EffectiveFrom   string         `json:"effectiveFrom"`
	EffectiveTo     *string        `json:"effectiveTo"`
	Notes           string         `json:"notes,omitempty"`
}

func toClientRateDTO(r margin.ClientRate) ClientRateDTO {
	return ClientRateDTO{
		ID:              r.ID,
		ClientID:        r.ClientID,
		CountryCode:     r.CountryCode,
		Channel:         string(r.Channel),
		UseCase:         string(r.UseCase),
		Fees:            toFeeDTO(r.Fees),
		Currency:        r.Currency,
		ContractVersion: r.ContractVersion,
		EffectiveFrom:   r.Interval.From.String(),
		EffectiveTo:     intervalToPtr(r.Interval),
		Notes:           r.Notes,
	}
}

type RoutingDTO struct {
	ID            int64   `json:"id"`
	ClientID      int64   `json:"clientId"`
	CountryCode   string  `json:"countryCode"`
	Channel       string  `json:"channel"`
	UseCase       string  `json:"useCase"`
	VendorID      int64   `json:"vendorId"`
	Priority      int     `json:"priority"`
	EffectiveFrom string  `json:"effectiveFrom"`
	EffectiveTo   *string `json:"effectiveTo"`
	Notes         string  `json:"notes,omitempty"`
}

func toRoutingDTO(r margin.RoutingAssignment) RoutingDTO {
	return RoutingDTO{
		ID:            r.ID,
		ClientID:      r.ClientID,
		CountryCode:   r.CountryCode,
		Channel:       string(r.Channel),
		UseCase:       string(r.UseCase),
		VendorID:      r.VendorID,
		Priority:      r.Priority,
		EffectiveFrom: r.Interval.From.String(),
		EffectiveTo:   intervalToPtr(r.Interval),
		Notes:         r.Notes,
	}
}

type FxRateDTO struct {
	ID            int64   `json:"id"`
	FromCurrency  string  `json:"fromCurrency"`
	ToCurrency    string  `json:"toCurrency"`
	Rate          string  `json:"rate"`
	EffectiveFrom string  `json:"effectiveFrom"`
	EffectiveTo   *string `json:"effectiveTo"`
	Source        string  `json:"source,omitempty"`
}

func toFxRateDTO(r margin.FxRate) FxRateDTO {
	return FxRateDTO{
		ID:            r.ID,
		FromCurrency:  r.FromCurrency,
		ToCurrency:    r.ToCurrency,
		Rate:          r.Rate.String(),
		EffectiveFrom: r.Interval.From.String(),
		EffectiveTo:   intervalToPtr(r.Interval),
		Source:        r.Source,
	}
}

// =============================================================================
// TRAFFIC / LEDGER DTOs
// =============================================================================

type TrafficRequest struct {
	BatchID      int64  `json:"batchId"`
	ClientID     int64  `json:"clientId"`
	CountryCode  string `json:"countryCode"`
	Channel      string `json:"channel"`
	UseCase      string `json:"useCase"`
	Date         string `json:"date"`
	SetupCount   int64  `json:"setupCount"`
	MonthlyCount int64  `json:"monthlyCount"`
	MTCount      int64  `json:"mtCount"`
	MOCount      int64  `json:"moCount"`
}

type TrafficDTO struct {
	ID           int64  `json:"id"`
	BatchID      int64  `json:"batchId"`
	ClientID     int64  `json:"clientId"`
	CountryCode  string `json:"countryCode"`
	Channel      string `json:"channel"`
	UseCase      string `json:"useCase"`
	Date         string `json:"date"`
	SetupCount   int64  `json:"setupCount"`
	MonthlyCount int64  `json:"monthlyCount"`
	MTCount      int64  `json:"mtCount"`
	MOCount      int64  `json:"moCount"`
	MessageCount int64  `json:"messageCount"`
}

func toTrafficDTO(t margin.TrafficRecord) TrafficDTO {
	return TrafficDTO{
		ID:           t.ID,
		BatchID:      t.BatchID,
		ClientID:     t.ClientID,
		CountryCode:  t.CountryCode,
		Channel:      string(t.Channel),
		UseCase:      string(t.UseCase),
		Date:         t.Date.String(),
		SetupCount:   t.SetupCount,
		MonthlyCount: t.MonthlyCount,
		MTCount:      t.MTCount,
		MOCount:      t.MOCount,
		MessageCount: t.MessageCount(),
	}
}

type ComputeRequest struct {
	BatchID int64 `json:"batchId"`
}

type ReverseRequest struct {
	Reason string `json:"reason"`
}

type LedgerEntryDTO struct {
	ID              int64  `json:"id"`
	TrafficRecordID *int64 `json:"trafficRecordId,omitempty"`
	ClientID        int64  `json:"clientId"`
	VendorID        int64  `json:"vendorId"`
	CountryCode     string `json:"countryCode"`
	Channel         string `json:"channel"`
	UseCase         string `json:"useCase"`
	TrafficDate     string `json:"trafficDate"`

	SetupCount   int64 `json:"setupCount"`
	MonthlyCount int64 `json:"monthlyCount"`
	MTCount      int64 `json:"mtCount"`
	MOCount      int64 `json:"moCount"`
	MessageCount int64 `json:"messageCount"`

	VendorRateID         *int64         `json:"vendorRateId,omitempty"`
	VendorFees           FeeScheduleDTO `json:"vendorFees"`
	VendorCurrency       string         `json:"vendorCurrency"`
	VendorCost           string         `json:"vendorCost"`
	VendorRatePerMessage string         `json:"vendorRatePerMessage"`

	ClientRateID         *int64         `json:"clientRateId,omitempty"`
	ClientFees           FeeScheduleDTO `json:"clientFees"`
	ClientCurrency       string         `json:"clientCurrency"`
	ClientRevenue        string         `json:"clientRevenue"`
	ClientRatePerMessage string         `json:"clientRatePerMessage"`

	FxRateID           *int64  `json:"fxRateId,omitempty"`
	FxRate             *string `json:"fxRate,omitempty"`
	NormalizedCost     string  `json:"normalizedCost"`
	NormalizedCurrency string  `json:"normalizedCurrency"`

	Margin       string `json:"margin"`
	CalculatedAt string `json:"calculatedAt"`

	IsReversal      bool   `json:"isReversal"`
	OriginalEntryID *int64 `json:"originalEntryId,omitempty"`
	ReversalReason  string `json:"reversalReason,omitempty"`
}

func toLedgerEntryDTO(e margin.LedgerEntry) LedgerEntryDTO {
	dto := LedgerEntryDTO{
		ID:              e.ID,
		TrafficRecordID: e.TrafficRecordID,
		ClientID:        e.ClientID,
		VendorID:        e.VendorID,
		CountryCode:     e.CountryCode,
		Channel:         string(e.Channel),
		UseCase:         string(e.UseCase),
		TrafficDate:     e.TrafficDate.String(),

		SetupCount:   e.SetupCount,
		MonthlyCount: e.MonthlyCount,
		MTCount:      e.MTCount,
		MOCount:      e.MOCount,
		MessageCount: e.MessageCount,

		VendorRateID:         e.VendorRateID,
		VendorFees:           toFeeDTO(e.VendorFees),
		VendorCurrency:       e.VendorCurrency,
		VendorCost:           e.VendorCost.String(),
		VendorRatePerMessage: e.VendorRatePerMessage.String(),

		ClientRateID:         e.ClientRateID,
		ClientFees:           toFeeDTO(e.ClientFees),
		ClientCurrency:       e.ClientCurrency,
		ClientRevenue:        e.ClientRevenue.String(),
		ClientRatePerMessage: e.ClientRatePerMessage.String(),

		FxRateID:           e.FxRateID,
		NormalizedCost:     e.NormalizedCost.String(),
		NormalizedCurrency: e.NormalizedCurrency,

		Margin:       e.Margin.String(),
		CalculatedAt: e.CalculatedAt.Format("2006-01-02 15:04:05"),

		IsReversal:      e.IsReversal,
		OriginalEntryID: e.OriginalEntryID,
		ReversalReason:  e.ReversalReason,
	}
	if e.FxRate != nil {
		s := e.FxRate.String()
		dto.FxRate = &s
	}
	return dto
}

// =============================================================================
// PARTY DTOs
// =============================================================================

type VendorRequest struct {
	Name     string `json:"name"`
	Code     string `json:"code"`
	Currency string `json:"currency,omitempty"`
}

type ClientRequest struct {
	Name            string `json:"name"`
	Code            string `json:"code"`
	BillingCurrency string `json:"billingCurrency,omitempty"`
}

type BatchRequest struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

// =============================================================================
// HELPERS
// =============================================================================

func toFeeDTO(f margin.FeeSchedule) FeeScheduleDTO {
	return FeeScheduleDTO{
		SetupFee:   f.Setup.String(),
		MonthlyFee: f.Monthly.String(),
		MTFee:      f.MT.String(),
		MOFee:      f.MO.String(),
	}
}

func intervalToPtr(iv temporal.Interval) *string {
	if iv.To == nil {
		return nil
	}
	s := iv.To.String()
	return &s
}
