/*
engine.go - Per-record resolution pipeline and batch computation

PURPOSE:
  The Engine orchestrates, per traffic record:
    routing -> vendor rate -> client rate -> arithmetic -> FX -> ledger write
  Each step has a defined failure mode (no_routing, no_vendor_rate,
  no_client_rate, no_fx_rate) collected into the batch report; a failed
  record never aborts its siblings.

BATCH CONTRACT:
  ComputeForBatch processes a closed traffic batch in chunks of 500 records,
  one store transaction per chunk. Chunking is purely a scheduling device -
  it lets a multi-hundred-thousand-row batch report progress and honor
  cancellation between chunks - and never weakens the all-or-nothing
  guarantee within a chunk. A chunk that fails to commit leaves earlier
  chunks committed (at-least-once batch semantics); its records are reported
  as calculation_error and later chunks still run.

SEE ALSO:
  - types.go: LedgerEntry and result types
  - money.go: rounding policy
  - store/sqlite: the Ledger and rate source implementations
*/
package margin

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/margin-engine/temporal"
)

// DefaultChunkSize is how many traffic records share one ledger transaction.
const DefaultChunkSize = 500

// =============================================================================
// RESOLUTION SOURCES - Read path, implemented by the store
// =============================================================================
// Every Effective* call returns (nil, nil) when no row is valid as of the
// date: absence is a normal, expected outcome the engine handles per record.

type RoutingSource interface {
	EffectiveRouting(ctx context.Context, clientID int64, countryCode string, ch Channel, uc UseCase, asOf temporal.Date) (*RoutingAssignment, error)
}

type VendorRateSource interface {
	EffectiveVendorRate(ctx context.Context, vendorID int64, countryCode string, ch Channel, uc UseCase, asOf temporal.Date) (*VendorRate, error)
}

type ClientRateSource interface {
	EffectiveClientRate(ctx context.Context, clientID int64, countryCode string, ch Channel, uc UseCase, asOf temporal.Date) (*ClientRate, error)
}

type FxSource interface {
	EffectiveFx(ctx context.Context, fromCurrency, toCurrency string, asOf temporal.Date) (*FxRate, error)
}

type TrafficSource interface {
	TrafficByBatch(ctx context.Context, batchID int64) ([]TrafficRecord, error)
}

// Ledger is the append-only write path. No update, no delete. Ever.
type Ledger interface {
	// AppendChunk persists entries atomically: all or none.
	AppendChunk(ctx context.Context, entries []LedgerEntry) error

	// Get loads one entry.
	Get(ctx context.Context, id int64) (*LedgerEntry, error)

	// Reverse appends the sign-negated copy of an entry in one transaction,
	// rejecting reversals of reversals and double reversals.
	Reverse(ctx context.Context, id int64, reason string) (*LedgerEntry, error)
}

// BatchStatusStore records how a compute run ended on the upload batch row.
type BatchStatusStore interface {
	MarkBatchComputed(ctx context.Context, batchID int64, status BatchStatus, errorSummary string) error
}

// ProgressFunc is invoked after each committed chunk.
type ProgressFunc func(Progress)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Routing     RoutingSource
	VendorRates VendorRateSource
	ClientRates ClientRateSource
	Fx          FxSource
	Traffic     TrafficSource
	Ledger      Ledger
	Batches     BatchStatusStore // optional
	Logger      zerolog.Logger

	// ChunkSize defaults to DefaultChunkSize when zero.
	ChunkSize int
}

func (e *Engine) chunkSize() int {
	if e.ChunkSize > 0 {
		return e.ChunkSize
	}
	return DefaultChunkSize
}

// ComputeForBatch computes margins for every traffic record in the batch.
// Per-record failures are collected, not fatal. Cancellation is cooperative
// and checked at chunk boundaries; committed chunks stand.
func (e *Engine) ComputeForBatch(ctx context.Context, batchID int64, onProgress ProgressFunc) (*ComputeResult, error) {
	records, err := e.Traffic.TrafficByBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load traffic batch %d: %w", batchID, err)
	}

	result := &ComputeResult{TotalRecords: len(records)}
	totalVendorCost := decimal.Zero
	totalClientRevenue := decimal.Zero
	totalMargin := decimal.Zero

	size := e.chunkSize()
	for start := 0; start < len(records); start += size {
		if err := ctx.Err(); err != nil {
			e.finishBatch(ctx, batchID, result)
			return result, err
		}

		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		entries := make([]LedgerEntry, 0, len(chunk))
		for _, tr := range chunk {
			entry, cerr := e.computeOne(ctx, tr)
			if cerr != nil {
				result.Errors = append(result.Errors, *cerr)
				continue
			}
			entries = append(entries, *entry)
		}

		if err := e.Ledger.AppendChunk(ctx, entries); err != nil {
			// The chunk's writes are rolled back as a unit; earlier chunks
			// remain committed and later chunks still run.
			e.Logger.Error().Err(err).
				Int64("batch_id", batchID).
				Int("chunk_start", start).
				Msg("ledger chunk commit failed")
			for _, entry := range entries {
				id := int64(0)
				if entry.TrafficRecordID != nil {
					id = *entry.TrafficRecordID
				}
				result.Errors = append(result.Errors, ComputeError{
					TrafficRecordID: id,
					ErrorType:       ErrCalculationError,
					Message:         fmt.Sprintf("chunk commit failed: %v", err),
				})
			}
		} else {
			for _, entry := range entries {
				totalVendorCost = totalVendorCost.Add(entry.VendorCost)
				totalClientRevenue = totalClientRevenue.Add(entry.ClientRevenue)
				totalMargin = totalMargin.Add(entry.Margin)
				result.SuccessCount++
			}
		}

		if onProgress != nil {
			onProgress(Progress{BatchID: batchID, Processed: end, Total: len(records)})
		}
	}

	result.ErrorCount = len(result.Errors)
	result.Summary = Summary{
		TotalVendorCost:    Round6(totalVendorCost),
		TotalClientRevenue: Round6(totalClientRevenue),
		TotalMargin:        Round6(totalMargin),
	}

	e.Logger.Info().
		Int64("batch_id", batchID).
		Int("total", result.TotalRecords).
		Int("success", result.SuccessCount).
		Int("errors", result.ErrorCount).
		Str("total_margin", result.Summary.TotalMargin.String()).
		Msg("margin batch computed")

	e.finishBatch(ctx, batchID, result)
	return result, nil
}

func (e *Engine) finishBatch(ctx context.Context, batchID int64, result *ComputeResult) {
	if e.Batches == nil {
		return
	}
	status := BatchCompleted
	summary := ""
	switch {
	case result.SuccessCount == 0 && result.TotalRecords > 0:
		status = BatchFailed
		summary = fmt.Sprintf("all %d records failed", result.TotalRecords)
	case len(result.Errors) > 0:
		status = BatchCompletedWithErrors
		summary = fmt.Sprintf("%d of %d records failed", len(result.Errors), result.TotalRecords)
	}
	if err := e.Batches.MarkBatchComputed(ctx, batchID, status, summary); err != nil {
		e.Logger.Warn().Err(err).Int64("batch_id", batchID).Msg("could not record batch status")
	}
}

// computeOne runs the resolution pipeline for one record. A nil entry with a
// non-nil ComputeError is a per-record failure; both nil never happens.
func (e *Engine) computeOne(ctx context.Context, tr TrafficRecord) (*LedgerEntry, *ComputeError) {
	// Step 1: routing
	routing, err := e.Routing.EffectiveRouting(ctx, tr.ClientID, tr.CountryCode, tr.Channel, tr.UseCase, tr.Date)
	if err != nil {
		return nil, &ComputeError{TrafficRecordID: tr.ID, ErrorType: ErrCalculationError, Message: err.Error()}
	}
	if routing == nil {
		return nil, &ComputeError{
			TrafficRecordID: tr.ID,
			ErrorType:       ErrNoRouting,
			Message: fmt.Sprintf("no routing for client=%d country=%s channel=%s use_case=%s date=%s",
				tr.ClientID, tr.CountryCode, tr.Channel, tr.UseCase, tr.Date),
		}
	}

	// Step 2: vendor rate
	vendorRate, err := e.VendorRates.EffectiveVendorRate(ctx, routing.VendorID, tr.CountryCode, tr.Channel, tr.UseCase, tr.Date)
	if err != nil {
		return nil, &ComputeError{TrafficRecordID: tr.ID, ErrorType: ErrCalculationError, Message: err.Error()}
	}
	if vendorRate == nil {
		return nil, &ComputeError{
			TrafficRecordID: tr.ID,
			ErrorType:       ErrNoVendorRate,
			Message: fmt.Sprintf("no vendor rate for vendor=%d country=%s channel=%s use_case=%s date=%s",
				routing.VendorID, tr.CountryCode, tr.Channel, tr.UseCase, tr.Date),
		}
	}

	// Step 3: client rate
	clientRate, err := e.ClientRates.EffectiveClientRate(ctx, tr.ClientID, tr.CountryCode, tr.Channel, tr.UseCase, tr.Date)
	if err != nil {
		return nil, &ComputeError{TrafficRecordID: tr.ID, ErrorType: ErrCalculationError, Message: err.Error()}
	}
	if clientRate == nil {
		return nil, &ComputeError{
			TrafficRecordID: tr.ID,
			ErrorType:       ErrNoClientRate,
			Message: fmt.Sprintf("no client rate for client=%d country=%s channel=%s use_case=%s date=%s",
				tr.ClientID, tr.CountryCode, tr.Channel, tr.UseCase, tr.Date),
		}
	}

	// Step 4: component arithmetic
	vendorCost := componentTotal(tr.SetupCount, tr.MonthlyCount, tr.MTCount, tr.MOCount, vendorRate.Fees)
	clientRevenue := componentTotal(tr.SetupCount, tr.MonthlyCount, tr.MTCount, tr.MOCount, clientRate.Fees)
	messageCount := tr.MessageCount()

	// Step 5: currency normalization
	var (
		fxRateID       *int64
		fxRateValue    *decimal.Decimal
		normalizedCost decimal.Decimal
	)
	if vendorRate.Currency == clientRate.Currency {
		normalizedCost = vendorCost
	} else {
		fx, err := e.Fx.EffectiveFx(ctx, vendorRate.Currency, clientRate.Currency, tr.Date)
		if err != nil {
			return nil, &ComputeError{TrafficRecordID: tr.ID, ErrorType: ErrCalculationError, Message: err.Error()}
		}
		var rate decimal.Decimal
		if fx != nil {
			rate = fx.Rate
			fxRateID = &fx.ID
		} else {
			inverse, err := e.Fx.EffectiveFx(ctx, clientRate.Currency, vendorRate.Currency, tr.Date)
			if err != nil {
				return nil, &ComputeError{TrafficRecordID: tr.ID, ErrorType: ErrCalculationError, Message: err.Error()}
			}
			if inverse == nil {
				return nil, &ComputeError{
					TrafficRecordID: tr.ID,
					ErrorType:       ErrNoFxRate,
					Message: fmt.Sprintf("no FX rate for %s->%s on %s",
						vendorRate.Currency, clientRate.Currency, tr.Date),
				}
			}
			rate = Round6(decimal.NewFromInt(1).Div(inverse.Rate))
			fxRateID = &inverse.ID
		}
		fxRateValue = &rate
		normalizedCost = Round6(vendorCost.Mul(rate))
	}

	// Step 6: margin. Sign preserved - margin may be negative.
	marginAmount := Round6(clientRevenue.Sub(normalizedCost))

	trafficID := tr.ID
	vendorRateID := vendorRate.ID
	clientRateID := clientRate.ID
	return &LedgerEntry{
		TrafficRecordID: &trafficID,
		ClientID:        tr.ClientID,
		VendorID:        routing.VendorID,
		CountryCode:     tr.CountryCode,
		Channel:         tr.Channel,
		UseCase:         tr.UseCase,
		TrafficDate:     tr.Date,

		SetupCount:   tr.SetupCount,
		MonthlyCount: tr.MonthlyCount,
		MTCount:      tr.MTCount,
		MOCount:      tr.MOCount,
		MessageCount: messageCount,

		VendorRateID:         &vendorRateID,
		VendorFees:           vendorRate.Fees,
		VendorCurrency:       vendorRate.Currency,
		VendorCost:           vendorCost,
		VendorRatePerMessage: perMessage(vendorCost, messageCount),

		ClientRateID:         &clientRateID,
		ClientFees:           clientRate.Fees,
		ClientCurrency:       clientRate.Currency,
		ClientRevenue:        clientRevenue,
		ClientRatePerMessage: perMessage(clientRevenue, messageCount),

		FxRateID:           fxRateID,
		FxRate:             fxRateValue,
		NormalizedCost:     normalizedCost,
		NormalizedCurrency: clientRate.Currency,

		Margin: marginAmount,
	}, nil
}

// Reverse offsets a ledger entry with a sign-negated copy. The only
// sanctioned way to correct a ledger mistake.
func (e *Engine) Reverse(ctx context.Context, entryID int64, reason string) (*LedgerEntry, error) {
	entry, err := e.Ledger.Reverse(ctx, entryID, reason)
	if err != nil {
		return nil, err
	}
	e.Logger.Info().
		Int64("original_entry_id", entryID).
		Int64("reversal_entry_id", entry.ID).
		Str("reason", reason).
		Msg("ledger entry reversed")
	return entry, nil
}
