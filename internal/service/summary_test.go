package service

import (
	"context"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/giftcard/internal/model"
	"github.com/kkkkikiki/giftcard/internal/repository"
)

func TestRetrieveSummaryEmptyPool(t *testing.T) {
	env := newTestEnv(t, nil)

	summary := env.engine.RetrieveSummary(context.Background(), env.program(t, "Baseline"))
	assert.Equal(t, model.Summary{Program: "Baseline", AvailableByBrand: map[string]int{}}, summary)
}

func TestRetrieveSummaryUnreadableStoreYieldsZeros(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "25", "Amazon", "A-1")
	require.NoError(t, env.db.Close())

	summary := env.engine.RetrieveSummary(context.Background(), env.program(t, "Baseline"))
	assert.Equal(t, model.Summary{Program: "Baseline", AvailableByBrand: map[string]int{}}, summary)
}

func TestRetrieveSummaryCounts(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seed(t, "25", "Amazon", "A-1", "A-2", "A-3", "A-4", "A-5")
	env.seed(t, "25", "Target", "T-1")
	env.seed(t, "10", "Amazon", "TEN-1")
	_, err := env.rewards.CreateRewards(ctx, env.db, "pool", []model.NewReward{
		{Amount: decimal.NewFromInt(25), Brand: "Amazon", EgiftNumber: "LATER-1", NotReady: true},
	})
	require.NoError(t, err)

	reserve := func(participant string, at time.Time) int64 {
		reward, err := env.rewards.FindAvailable(ctx, env.db, "pool", model.InventoryFilter{Brand: "Amazon", Amount: decimal.NewFromInt(25), HasAmount: true})
		require.NoError(t, err)
		require.NoError(t, env.rewards.MarkReserved(ctx, env.db, reward.ID, repository.Reservation{
			Token: "tok-" + participant, ProgramName: "Baseline", ProjectID: "p1", ParticipantID: participant, ReservedAt: at,
		}))
		return reward.ID
	}

	yesterdayMorning := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	claimedYesterday := reserve("1", yesterdayMorning)
	require.NoError(t, env.rewards.MarkClaimed(ctx, env.db, claimedYesterday, yesterdayMorning.Add(time.Hour)))
	reserve("2", time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	reserve("3", testNow)
	reserve("4", time.Date(2024, 3, 9, 23, 59, 0, 0, time.UTC))

	summary := env.engine.RetrieveSummary(ctx, env.program(t, "Baseline"))
	assert.Equal(t, model.Summary{
		Program:           "Baseline",
		SentYesterday:     2,
		ClaimedYesterday:  1,
		UnclaimedOverWeek: 1,
		UnclaimedInWeek:   2,
		NotReady:          1,
		Awarded:           4,
		Claimed:           1,
		Available:         2,
		AvailableByBrand:  map[string]int{"Amazon": 1, "Target": 1},
	}, summary)
}

func TestRetrieveSummaryUsesReportingZone(t *testing.T) {
	losAngeles, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	env := newTestEnv(t, nil, func(o *Options) { o.Location = losAngeles })
	ctx := context.Background()
	env.seed(t, "25", "Amazon", "A-1", "A-2")

	// 22:30 on 2024-03-09 in Los Angeles, already 2024-03-10 in UTC
	lateEvening := time.Date(2024, 3, 10, 6, 30, 0, 0, time.UTC)
	reward, err := env.rewards.FindAvailable(ctx, env.db, "pool", model.InventoryFilter{})
	require.NoError(t, err)
	require.NoError(t, env.rewards.MarkReserved(ctx, env.db, reward.ID, repository.Reservation{
		Token: "tok-1", ProgramName: "Baseline", ProjectID: "p1", ParticipantID: "1", ReservedAt: lateEvening,
	}))

	summary := env.engine.RetrieveSummary(ctx, env.program(t, "Baseline"))
	assert.Equal(t, 1, summary.SentYesterday)
	assert.Equal(t, 1, summary.UnclaimedInWeek)

	require.NoError(t, env.engine.SendDailySummary(ctx))
	msgs := env.messagesTo("ops@example.org")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].HTMLBody, "Gift cards sent on 2024-03-09: 1")
}

func TestSendDailySummary(t *testing.T) {
	env := newTestEnv(t, func(c *model.Catalog) {
		c.Pool.CCEmail = "pi@example.org"
		followUp := c.Programs[0]
		followUp.Title = "Follow-up"
		followUp.SummaryOptOut = true
		c.Programs = append(c.Programs, followUp)
	})
	env.seed(t, "25", "Amazon", "A-1")

	require.NoError(t, env.engine.SendDailySummary(context.Background()))

	msgs := env.messagesTo("ops@example.org")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Gift Card Daily Summary for project p1", msgs[0].Subject)
	assert.Equal(t, []string{"pi@example.org"}, msgs[0].CC)
	assert.Contains(t, msgs[0].HTMLBody, "program Baseline")
	assert.NotContains(t, msgs[0].HTMLBody, "Follow-up")
	assert.Contains(t, msgs[0].HTMLBody, "Gift cards sent on 2024-03-09: 0")
}

func TestSendDailySummaryAllOptedOut(t *testing.T) {
	env := newTestEnv(t, func(c *model.Catalog) { c.Programs[0].SummaryOptOut = true })

	require.NoError(t, env.engine.SendDailySummary(context.Background()))
	assert.Empty(t, env.mail.Messages())
}

func TestRenderSummaryReport(t *testing.T) {
	summaries := []model.Summary{
		{
			Program:           "Baseline",
			SentYesterday:     2,
			ClaimedYesterday:  1,
			UnclaimedOverWeek: 3,
			UnclaimedInWeek:   4,
			NotReady:          5,
			Awarded:           10,
			Claimed:           3,
			Available:         7,
			AvailableByBrand:  map[string]int{"Target": 2, "Amazon": 5},
		},
		{Program: "Follow-up", AvailableByBrand: map[string]int{}},
	}

	out := RenderSummaryReport("p1", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), summaries)

	g := goldie.New(t)
	g.Assert(t, "daily_summary", []byte(out))
}
