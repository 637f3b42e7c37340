package service

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"lotledger/backend/internal/ledger"
)

// Report builds the aggregated report for q. Results are cached per query
// until the next write; identical concurrent builds share one load.
func (s *Service) Report(ctx context.Context, q ledger.ReportQuery) (ledger.Report, error) {
	if q.Mode == "" {
		q.Mode = ledger.ModeReal
	}
	if q.Mode != ledger.ModeReal && q.Mode != ledger.ModeAccounting {
		return ledger.Report{}, ledger.Invalid("mode")
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.To.After(q.From) {
		return ledger.Report{}, ledger.Invalid("range")
	}
	q.QualityID = strings.TrimSpace(q.QualityID)
	q.DeliveryID = strings.TrimSpace(q.DeliveryID)
	q.PaymentMethod = strings.TrimSpace(q.PaymentMethod)
	q.Supplier = strings.TrimSpace(q.Supplier)

	generation := s.generation.Load()
	key, err := s.reports.Key(ctx, q.Key())
	if err != nil {
		s.logger.Warn("report cache unavailable", slog.Any("error", err))
		key = ""
	}
	if key != "" {
		cached, ok, err := s.reports.Get(ctx, key)
		if err != nil {
			s.logger.Warn("report cache read failed", slog.String("key", key), slog.Any("error", err))
		} else if ok {
			return *cached, nil
		}
	}

	flightKey := key
	if flightKey == "" {
		flightKey = q.Key()
	}
	flightKey = strconv.FormatUint(generation, 10) + "|" + flightKey
	buildCtx := context.WithoutCancel(ctx)
	ch := s.builds.DoChan(flightKey, func() (any, error) {
		ds, err := s.repo.ReportDataset(buildCtx, q.From, q.To)
		if err != nil {
			return nil, err
		}
		report := ledger.BuildReport(ds, q)
		if key != "" {
			if err := s.reports.Set(buildCtx, key, &report, s.reportTTL); err != nil {
				s.logger.Warn("report cache write failed", slog.String("key", key), slog.Any("error", err))
			}
		}
		return report, nil
	})

	select {
	case <-ctx.Done():
		return ledger.Report{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ledger.Report{}, res.Err
		}
		return res.Val.(ledger.Report), nil
	}
}
