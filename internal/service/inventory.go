package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kkkkikiki/giftcard/internal/metrics"
	"github.com/kkkkikiki/giftcard/internal/model"
)

// rewardColumns is the CSV header accepted by ParseRewardsCSV. The first two are required.
var rewardColumns = []string{"egift_number", "amount", "brand", "challenge_code", "url", "not_ready"}

// ParseRewardsCSV reads gift cards from CSV with a header row naming rewardColumns in any order
func ParseRewardsCSV(r io.Reader) ([]model.NewReward, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range rewardColumns[:2] {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("csv header is missing column %q", required)
		}
	}

	column := func(row []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var rewards []model.NewReward
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}

		amount, err := decimal.NewFromString(strings.TrimPrefix(column(row, "amount"), "$"))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid amount %q", line, column(row, "amount"))
		}
		notReady := false
		if v := column(row, "not_ready"); v != "" {
			if notReady, err = strconv.ParseBool(v); err != nil {
				return nil, fmt.Errorf("line %d: invalid not_ready %q", line, v)
			}
		}
		rewards = append(rewards, model.NewReward{
			Amount:        amount,
			Brand:         column(row, "brand"),
			EgiftNumber:   column(row, "egift_number"),
			ChallengeCode: column(row, "challenge_code"),
			URL:           column(row, "url"),
			NotReady:      notReady,
		})
	}
	return rewards, nil
}

// LoadRewards validates and inserts gift cards into the engine's pool in one transaction.
// Either every card is loaded or none is.
func (e *RewardEngine) LoadRewards(ctx context.Context, rewards []model.NewReward) (int, error) {
	if len(rewards) == 0 {
		return 0, nil
	}

	cfgErr := &model.ConfigurationError{Scope: "gift card load"}
	seen := make(map[string]int, len(rewards))
	for i, r := range rewards {
		switch {
		case r.EgiftNumber == "":
			cfgErr.Problems = append(cfgErr.Problems, fmt.Sprintf("card %d has no egift number", i+1))
		case seen[r.EgiftNumber] > 0:
			cfgErr.Problems = append(cfgErr.Problems, fmt.Sprintf("card %d repeats egift number of card %d", i+1, seen[r.EgiftNumber]))
		default:
			seen[r.EgiftNumber] = i + 1
		}
		if !r.Amount.IsPositive() {
			cfgErr.Problems = append(cfgErr.Problems, fmt.Sprintf("card %d has non-positive amount %s", i+1, r.Amount))
		}
	}
	if len(cfgErr.Problems) > 0 {
		return 0, cfgErr
	}

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, &PersistenceError{Op: "begin gift card load", Err: err}
	}
	defer tx.Rollback()

	created, err := e.rewards.CreateRewards(ctx, tx, e.catalog.Pool.ID, rewards)
	if err != nil {
		return 0, &PersistenceError{Op: "load gift cards", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &PersistenceError{Op: "commit gift card load", Err: err}
	}

	e.logger.InfoContext(ctx, "gift cards loaded", slog.Int("count", created))
	for i := range e.catalog.Programs {
		program := &e.catalog.Programs[i]
		if n, err := e.rewards.CountAvailable(ctx, e.db, e.catalog.Pool.ID, program.Filter("")); err == nil {
			metrics.AvailableRewards.WithLabelValues(program.Title).Set(float64(n))
		}
	}
	return created, nil
}
