package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/kkkkikiki/giftcard/internal/metrics"
	"github.com/kkkkikiki/giftcard/internal/model"
)

// RecordResult is the outcome for one participant record visited by the coordinator
type RecordResult struct {
	Program     string  `json:"program"`
	RecordID    string  `json:"record_id"`
	Eligibility string  `json:"eligibility"`
	Result      *Result `json:"result,omitempty"`
}

// SweepReport summarizes one sweep over a program
type SweepReport struct {
	Program   string         `json:"program"`
	Evaluated int            `json:"evaluated"`
	Eligible  int            `json:"eligible"`
	Reserved  int            `json:"reserved"`
	Failed    int            `json:"failed"`
	Results   []RecordResult `json:"results,omitempty"`
}

// Candidate is an eligible record offered to an operator for batch processing
type Candidate struct {
	RecordID string            `json:"record_id"`
	Fields   map[string]string `json:"fields"`
}

// Coordinator drives the engine outside a single request: after record saves, in scheduled
// sweeps and in operator batches.
type Coordinator struct {
	engine  *RewardEngine
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewCoordinator creates a Coordinator. perSecond caps sweep evaluations; zero or less is unlimited.
func NewCoordinator(engine *RewardEngine, perSecond float64, logger *slog.Logger) *Coordinator {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		engine:  engine,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With(slog.String("component", "coordinator")),
	}
}

// Engine returns the engine the coordinator drives
func (c *Coordinator) Engine() *RewardEngine {
	return c.engine
}

// SaveRecord stores participant fields and then runs OnRecordSaved, like the host's save hook
func (c *Coordinator) SaveRecord(ctx context.Context, participantID string, fields map[string]string) ([]RecordResult, error) {
	if err := c.engine.saveParticipant(ctx, participantID, fields); err != nil {
		return nil, err
	}
	return c.OnRecordSaved(ctx, participantID), nil
}

// OnRecordSaved evaluates every real-time program for the saved record and processes the
// eligible ones.
func (c *Coordinator) OnRecordSaved(ctx context.Context, participantID string) []RecordResult {
	var results []RecordResult
	for i := range c.engine.catalog.Programs {
		program := &c.engine.catalog.Programs[i]
		if program.BatchOnly {
			continue
		}
		results = append(results, c.processOne(ctx, program, participantID))
	}
	return results
}

func (c *Coordinator) processOne(ctx context.Context, program *model.RewardProgram, participantID string) RecordResult {
	rr := RecordResult{Program: program.Title, RecordID: participantID}
	eligibility := c.engine.CheckEligibility(ctx, program, participantID)
	rr.Eligibility = eligibility.String()
	if eligibility == Eligible {
		result := c.engine.ProcessReward(ctx, program, participantID)
		rr.Result = &result
	}
	return rr
}

// Sweep evaluates every record of program that has no reward linked yet and processes the
// eligible ones. A failure on one record never stops the sweep; only ctx cancellation does.
func (c *Coordinator) Sweep(ctx context.Context, program *model.RewardProgram) (SweepReport, error) {
	ctx, span := c.engine.tracer.Start(ctx, "Coordinator.Sweep", trace.WithAttributes(attribute.String("giftcard.program", program.Title)))
	defer span.End()

	report := SweepReport{Program: program.Title}
	if _, err := c.engine.evaluator.Evaluate(program.Logic, model.Participant{}); err != nil {
		return report, &ConfigurationError{Scope: fmt.Sprintf("program %q", program.Title), Problems: []string{err.Error()}}
	}

	records, err := c.engine.participants.ListMissing(ctx, c.engine.db, program.LinkageField)
	if err != nil {
		return report, fmt.Errorf("list records for sweep: %w", err)
	}

	logger := c.logger.With(slog.String("program", program.Title))
	for _, record := range records {
		if err := c.limiter.Wait(ctx); err != nil {
			return report, err
		}
		report.Evaluated++

		rr := RecordResult{Program: program.Title, RecordID: record.ID}
		eligibility := c.engine.evaluate(ctx, program, record)
		rr.Eligibility = eligibility.String()
		metrics.SweepRecordsTotal.WithLabelValues(program.Title, rr.Eligibility).Inc()
		if eligibility != Eligible {
			continue
		}
		report.Eligible++

		result := c.engine.ProcessReward(ctx, program, record.ID)
		rr.Result = &result
		switch {
		case !result.Success:
			report.Failed++
			logger.WarnContext(ctx, "sweep could not reward record", slog.String("record", record.ID), slog.String("message", result.Message))
		case result.Outcome == OutcomeReserved:
			report.Reserved++
		}
		report.Results = append(report.Results, rr)
	}

	logger.InfoContext(ctx, "sweep finished",
		slog.Int("evaluated", report.Evaluated), slog.Int("eligible", report.Eligible),
		slog.Int("reserved", report.Reserved), slog.Int("failed", report.Failed))
	return report, nil
}

// SweepAll sweeps every cron-enabled program, continuing past programs that fail
func (c *Coordinator) SweepAll(ctx context.Context) ([]SweepReport, error) {
	var reports []SweepReport
	var errs []error
	for i := range c.engine.catalog.Programs {
		program := &c.engine.catalog.Programs[i]
		if !program.CronEnabled {
			continue
		}
		report, err := c.Sweep(ctx, program)
		reports = append(reports, report)
		if err != nil {
			c.logger.ErrorContext(ctx, "sweep failed", slog.String("program", program.Title), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", program.Title, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return reports, errors.Join(errs...)
}

// BatchCandidates lists the records an operator could reward now, with the program's display fields
func (c *Coordinator) BatchCandidates(ctx context.Context, program *model.RewardProgram) ([]Candidate, error) {
	records, err := c.engine.participants.ListMissing(ctx, c.engine.db, program.LinkageField)
	if err != nil {
		return nil, fmt.Errorf("list batch candidates: %w", err)
	}

	candidates := []Candidate{}
	for _, record := range records {
		if c.engine.evaluate(ctx, program, record) != Eligible {
			continue
		}
		fields := make(map[string]string, len(program.DisplayFields))
		for _, name := range program.DisplayFields {
			fields[name] = record.Fields[name]
		}
		candidates = append(candidates, Candidate{RecordID: record.ID, Fields: fields})
	}
	return candidates, nil
}

// ProcessBatch processes the operator-selected records. Each is re-checked for eligibility first.
func (c *Coordinator) ProcessBatch(ctx context.Context, program *model.RewardProgram, recordIDs []string) []RecordResult {
	results := make([]RecordResult, 0, len(recordIDs))
	for _, id := range recordIDs {
		rr := c.processOne(ctx, program, id)
		metrics.SweepRecordsTotal.WithLabelValues(program.Title, rr.Eligibility).Inc()
		results = append(results, rr)
	}
	return results
}
