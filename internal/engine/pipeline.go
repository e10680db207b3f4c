package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charles-ascot/lay-engine/internal/exchange"
	"github.com/charles-ascot/lay-engine/internal/metrics"
	"github.com/charles-ascot/lay-engine/internal/models"
	"github.com/charles-ascot/lay-engine/internal/tracker"
)

// processMarketLocked runs the decision pipeline for one in-window market:
// evaluate, dedup, submit, record. The tracker goes terminal exactly once
// whatever the outcome.
func (e *Engine) processMarketLocked(ctx context.Context, t *tracker.MarketTracker, now time.Time) {
	decision := e.evaluator.Evaluate(&t.Market, e.cfg, now)
	e.doc.AppendEvaluation(decision)

	if decision.Skipped {
		t.MarkSkipped(decision.SkipReason)
		metrics.RecordMarketOutcome("skipped")
		e.audit.WithFields(logrus.Fields{
			"market_id": t.MarketID,
			"venue":     t.Market.Venue,
			"reason":    decision.SkipReason,
		}).Info("market skipped")
		return
	}

	accepted := e.claimInstructionsLocked(decision.Instructions, t)
	if len(accepted) == 0 {
		t.MarkSkipped(models.SkipDuplicate)
		metrics.RecordMarketOutcome("duplicate")
		return
	}

	if decision.SpreadRejections != nil && e.session != nil {
		e.session.Summary.SpreadRejections += len(decision.SpreadRejections)
	}
	if decision.JOFS != nil && e.session != nil {
		e.session.Summary.JOFSSplits++
	}

	for _, inst := range accepted {
		e.submitInstructionLocked(ctx, inst, t, now)
	}

	t.MarkProcessed(now)
	metrics.RecordMarketOutcome("processed")
	if e.session != nil {
		e.session.Summary.MarketsProcessed++
		e.session.Summary.RuleTallies[decision.RuleID]++
	}
}

// claimInstructionsLocked filters out instructions whose runner or
// selection was already bet today, and claims the dedup keys for the
// survivors BEFORE submission. Optimistic claiming means a crash between
// claim and acknowledgement errs on the side of not betting twice.
func (e *Engine) claimInstructionsLocked(instructions []models.BetInstruction, t *tracker.MarketTracker) []models.BetInstruction {
	accepted := make([]models.BetInstruction, 0, len(instructions))
	for _, inst := range instructions {
		rk := models.NewRunnerKey(inst.RunnerName, t.Market.RaceTime)
		sk := models.SelectionKey{SelectionID: inst.SelectionID, MarketID: inst.MarketID}

		if _, dup := e.dedupRunners[rk]; dup {
			e.auditDuplicate(inst, "runner")
			continue
		}
		if _, dup := e.dedupSelections[sk]; dup {
			e.auditDuplicate(inst, "selection")
			continue
		}

		e.dedupRunners[rk] = struct{}{}
		e.dedupSelections[sk] = struct{}{}
		accepted = append(accepted, inst)
	}
	return accepted
}

func (e *Engine) auditDuplicate(inst models.BetInstruction, kind string) {
	e.audit.WithFields(logrus.Fields{
		"market_id":   inst.MarketID,
		"runner_name": inst.RunnerName,
		"kind":        kind,
		"reason":      models.SkipDuplicate,
	}).Warn("dropping duplicate instruction")
	metrics.RecordSkip(models.SkipDuplicate)
}

// submitInstructionLocked places one lay bet (or records it dry-run) and
// appends the bet record. Dedup keys are released only when the exchange
// proves the order never reached the book; an ambiguous outcome keeps them.
func (e *Engine) submitInstructionLocked(ctx context.Context, inst models.BetInstruction, t *tracker.MarketTracker, now time.Time) {
	var resp models.ExchangeResponse

	if e.cfg.DryRun {
		resp = models.ExchangeResponse{Status: models.OrderStatusDryRun}
	} else {
		var err error
		resp, err = e.exchange.SubmitLay(ctx, inst)
		if err != nil {
			resp = models.ExchangeResponse{
				Status:    models.OrderStatusFailure,
				ErrorCode: submissionErrorCode(err),
			}
			e.recordErrorLocked("bet submission failed for %s in %s: %v", inst.RunnerName, inst.MarketID, err)
		}
		if resp.Status == models.OrderStatusSuccess {
			e.account.Invalidate()
		}
	}

	if resp.Status == models.OrderStatusFailure && exchange.RecoverableOrderFailure(resp.ErrorCode) {
		delete(e.dedupRunners, models.NewRunnerKey(inst.RunnerName, t.Market.RaceTime))
		delete(e.dedupSelections, models.SelectionKey{SelectionID: inst.SelectionID, MarketID: inst.MarketID})
	}

	record := models.BetRecord{
		BetInstruction: inst,
		Liability:      inst.Liability(),
		PlacedAt:       now,
		Venue:          t.Market.Venue,
		Country:        t.Market.Country,
		Discipline:     models.DisciplineFromMarketName(t.Market.Name),
		RaceTime:       t.Market.RaceTime,
		DryRun:         e.cfg.DryRun,
		Response:       resp,
	}
	e.doc.BetsToday = append(e.doc.BetsToday, record)

	outcome := "failure"
	switch resp.Status {
	case models.OrderStatusSuccess:
		outcome = "success"
	case models.OrderStatusDryRun:
		outcome = "dry_run"
	}
	metrics.RecordBetSubmitted(outcome)

	if resp.Status != models.OrderStatusFailure && e.session != nil {
		e.session.Summary.Bets++
		e.session.Summary.Stake = e.session.Summary.Stake.Add(inst.Size)
		e.session.Summary.Liability = e.session.Summary.Liability.Add(record.Liability)
	}

	e.audit.WithFields(logrus.Fields{
		"market_id":   inst.MarketID,
		"runner_name": inst.RunnerName,
		"rule":        inst.RuleID,
		"price":       inst.Price.String(),
		"size":        inst.Size.String(),
		"liability":   record.Liability.String(),
		"status":      resp.Status,
		"bet_id":      resp.BetID,
		"error_code":  resp.ErrorCode,
		"dry_run":     e.cfg.DryRun,
	}).Info("lay bet recorded")
}

// submissionErrorCode maps a transport-level submission error to an
// exchange failure code for the bet record.
func submissionErrorCode(err error) string {
	var apiErr *exchange.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return exchange.ErrorTimeout
	}
	return exchange.ErrorUnexpected
}
