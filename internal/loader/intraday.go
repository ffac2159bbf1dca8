package loader

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/events"
)

// ApplyIntraday applies an intraday snapshot to the account's active batch.
// Rows are deduplicated on their externalRefId through the idempotency
// store; SET rows carry absolute quantities, TRADE rows signed deltas
// (synthetic fills from the trade aggregator). Updates supersede the current
// rows bitemporally; conflicts retry up to the configured bound.
func (s *Service) ApplyIntraday(ctx context.Context, snap *events.AccountSnapshot) error {
	if snap == nil {
		return domain.Errorf(domain.CodeMissingField, "nil intraday snapshot")
	}
	if !s.shard.Owns(snap.AccountID) {
		s.log.Debug().Int64("account_id", snap.AccountID).Msg("Ignoring intraday record for non-owned account")
		return nil
	}

	baseCcy := snap.BaseCurrency
	if baseCcy == "" {
		acc, err := s.refdata.GetAccount(snap.AccountID)
		if err != nil {
			return err
		}
		if acc == nil {
			return domain.Errorf(domain.CodeValidationFailed, "unknown account %d", snap.AccountID)
		}
		baseCcy = acc.BaseCurrency
	}

	updates := make([]domain.Position, 0, len(snap.Positions))
	for _, row := range snap.Positions {
		if !s.intraIdem.CheckAndMark(ctx, row.ExternalRefID) {
			if s.m != nil {
				s.m.DuplicatesDropped.WithLabelValues("intraday").Inc()
			}
			s.log.Info().
				Str("external_ref", row.ExternalRefID).
				Int64("account_id", snap.AccountID).
				Msg("Duplicate intraday record dropped")
			continue
		}

		pos, err := s.buildIntradayPosition(ctx, snap.AccountID, baseCcy, row)
		if err != nil {
			if s.m != nil {
				s.m.RowsRejected.Inc()
			}
			s.log.Warn().Err(err).Int64("product_id", row.ProductID).Msg("Intraday row rejected")
			continue
		}
		updates = append(updates, *pos)
	}

	if len(updates) == 0 {
		return nil
	}

	var err error
	for attempt := 0; attempt <= s.conflictMax; attempt++ {
		err = s.store.UpdatePositions(snap.AccountID, updates)
		if err == nil {
			break
		}
		if domain.CodeOf(err) != domain.CodeStorageConflict {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	if err != nil {
		return err
	}

	if s.m != nil {
		s.m.IntradayApplied.Add(float64(len(updates)))
	}
	s.publishChange(ctx, snap.AccountID, snap.ClientID, events.ChangeIntraday)
	return nil
}

// buildIntradayPosition resolves one intraday row against the current
// position. The business date stays that of the current row (intraday
// updates do not advance business time).
func (s *Service) buildIntradayPosition(ctx context.Context, accountID int64, baseCcy string, row events.SnapshotPosition) (*domain.Position, error) {
	if row.ProductID == 0 {
		return nil, domain.Errorf(domain.CodeMissingField, "intraday row missing product id")
	}
	if row.Price.IsZero() && row.TxnType == events.TxnTypeTrade {
		return nil, domain.Errorf(domain.CodeZeroPrice, "zero price on trade row for product %d", row.ProductID)
	}

	current, err := s.store.GetCurrentPosition(accountID, row.ProductID)
	if err != nil {
		return nil, err
	}

	qty := row.Quantity.Round(domain.QuantityScale)
	px := row.Price.Round(domain.PriceScale)
	businessDate := time.Now().Format("2006-01-02")
	costLocal := decimal.Zero
	posType := domain.PositionPhysical

	if current != nil {
		businessDate = current.BusinessDate
		costLocal = current.CostBasisLocal
		posType = current.PositionType
	}

	if row.TxnType == events.TxnTypeTrade {
		delta := qty
		if current != nil {
			qty = current.Quantity.Add(delta)
		}
		costLocal = costLocal.Add(delta.Mul(px)).Round(domain.PriceScale)
		if current == nil {
			posType = domain.PositionSynthetic
		}
	} else {
		costLocal = qty.Mul(px).Round(domain.PriceScale)
	}

	fx := decimal.NewFromInt(1)
	ccy := row.IssueCurrency
	if ccy != "" && ccy != baseCcy {
		if rate, ok := s.lookupRate(ctx, ccy, baseCcy); ok {
			fx = rate
		} else if s.m != nil {
			s.m.ValuationWarnings.WithLabelValues("missing_rate").Inc()
		}
	}

	local := qty.Mul(px).Round(domain.PriceScale)
	base := local.Mul(fx).Round(domain.PriceScale)
	pnlLocal := local.Sub(costLocal).Round(domain.PriceScale)

	return &domain.Position{
		AccountID:          accountID,
		ProductID:          row.ProductID,
		BusinessDate:       businessDate,
		Quantity:           qty,
		PriceUsed:          px,
		FxRateUsed:         fx.Round(domain.FxRateScale),
		MarketValueLocal:   local,
		MarketValueBase:    base,
		CostBasisLocal:     costLocal,
		CostBasisBase:      costLocal.Mul(fx).Round(domain.PriceScale),
		UnrealizedPnlLocal: pnlLocal,
		UnrealizedPnlBase:  pnlLocal.Mul(fx).Round(domain.PriceScale),
		SourceSystem:       "MSPA",
		PositionType:       posType,
		ExternalRef:        row.ExternalRefID,
		ValidFrom:          businessDate,
		ValidTo:            domain.ValidToOpen,
	}, nil
}
