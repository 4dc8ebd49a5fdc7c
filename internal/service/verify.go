package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kkkkikiki/giftcard/internal/logic"
	"github.com/kkkkikiki/giftcard/internal/model"
	"github.com/kkkkikiki/giftcard/internal/repository"
)

// VerifyReport is the outcome of a configuration sanity check for one program
type VerifyReport struct {
	Program      string   `json:"program"`
	OK           bool     `json:"ok"`
	Problems     []string `json:"problems,omitempty"`
	SampleRecord string   `json:"sample_record,omitempty"`
	Eligibility  string   `json:"sample_eligibility"`
	Available    int      `json:"available"`
}

// VerifyProgram checks that program's logic evaluates against a real record, that its library
// has matching inventory, and that the pool lock can be taken. It never writes.
func (e *RewardEngine) VerifyProgram(ctx context.Context, program *model.RewardProgram) VerifyReport {
	report := VerifyReport{Program: program.Title, Eligibility: Indeterminate.String()}

	if _, err := e.evaluator.Evaluate(program.Logic, model.Participant{}); err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("logic cannot be evaluated: %v", err))
	}

	id, err := e.participants.Any(ctx, e.db)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		report.Problems = append(report.Problems, "project has no records to evaluate the logic against")
	case err != nil:
		report.Problems = append(report.Problems, fmt.Sprintf("could not read records: %v", err))
	default:
		report.SampleRecord = id
		report.Eligibility = e.CheckEligibility(ctx, program, id).String()
		if unknown := e.unknownLogicFields(ctx, program); len(unknown) > 0 {
			report.Problems = append(report.Problems, fmt.Sprintf("logic reads fields no record has: %s", strings.Join(unknown, ", ")))
		}
	}

	filter := program.Filter("")
	if report.Available, err = e.rewards.CountAvailable(ctx, e.db, e.catalog.Pool.ID, filter); err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("could not count library rewards: %v", err))
	} else if report.Available == 0 {
		report.Problems = append(report.Problems, fmt.Sprintf("library %s has no available gift cards with %s", e.catalog.Pool.ID, filterDescription(filter)))
	}

	lease, err := e.locker.Acquire(ctx, e.lockName(), time.Second)
	if err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("pool lock unavailable: %v", err))
	} else if err := lease.Release(ctx); err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("pool lock could not be released: %v", err))
	}

	report.OK = len(report.Problems) == 0
	return report
}

// unknownLogicFields returns the fields program's logic reads that no stored record carries
func (e *RewardEngine) unknownLogicFields(ctx context.Context, program *model.RewardProgram) []string {
	expr, err := logic.Parse(program.Logic)
	if err != nil {
		return nil
	}
	names, err := e.participants.FieldNames(ctx, e.db)
	if err != nil {
		e.logger.WarnContext(ctx, "could not list record fields", slog.String("program", program.Title), slog.Any("error", err))
		return nil
	}
	known := make(map[string]struct{}, len(names))
	for _, name := range names {
		known[name] = struct{}{}
	}
	var unknown []string
	for _, field := range expr.Fields() {
		if _, ok := known[field]; !ok {
			unknown = append(unknown, field)
		}
	}
	return unknown
}
