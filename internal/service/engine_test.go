package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/giftcard/internal/model"
)

func TestProcessRewardReservesLowestAvailable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "10", "Amazon", "TEN-1")
	env.seed(t, "25", "Amazon", "A-1", "A-2")
	env.completed(t, "1", "alice@example.org")
	ctx := context.Background()

	result := env.engine.ProcessReward(ctx, env.program(t, "Baseline"), "1")
	require.True(t, result.Success, result.Message)
	assert.Equal(t, OutcomeReserved, result.Outcome)

	linked, err := env.rewards.FindLinked(ctx, env.db, "pool", "Baseline", "p1", "1")
	require.NoError(t, err)
	require.Len(t, linked, 1)
	reward := linked[0]
	assert.Equal(t, result.RewardID, reward.ID)
	assert.Equal(t, "A-1", reward.EgiftNumber, "lowest id matching the amount")
	assert.Equal(t, model.StatusReserved, reward.Status)
	assert.True(t, reward.ReservedAt.Time.Equal(testNow))
	assert.Len(t, reward.Token.String, 20)

	assert.Equal(t, reward.Token.String, env.field(t, "1", "gc_token"))
	assert.Equal(t, model.ParticipantReserved, env.field(t, "1", "gc_status"))
	assert.Equal(t, "https://rewards.example.org/claim/"+reward.Token.String, env.field(t, "1", "gc_url"))

	msgs := env.messagesTo("alice@example.org")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Reward for P1", msgs[0].Subject)
	assert.Equal(t, "rewards@example.org", msgs[0].From)
	assert.Contains(t, msgs[0].HTMLBody, "$25 Amazon gift card for your Baseline reward.")
	assert.Contains(t, msgs[0].HTMLBody, "Your gift card number is <b>A-1</b>")
	assert.Contains(t, msgs[0].HTMLBody, "<h3>Thank you for participating!</h3>")

	env.lockIsFree(t)
}

func TestProcessRewardClaimLinkEmail(t *testing.T) {
	env := newTestEnv(t, func(c *model.Catalog) {
		c.Programs[0].RequireClaim = true
		c.Programs[0].VerificationSubject = "Your reward is waiting"
	})
	env.seed(t, "25", "Target", "T-1")
	env.completed(t, "1", "alice@example.org")

	result := env.engine.ProcessReward(context.Background(), env.program(t, "Baseline"), "1")
	require.True(t, result.Success, result.Message)

	msgs := env.messagesTo("alice@example.org")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Your reward is waiting", msgs[0].Subject)
	assert.Contains(t, msgs[0].HTMLBody, "https://rewards.example.org/claim/"+env.field(t, "1", "gc_token"))
	assert.NotContains(t, msgs[0].HTMLBody, "T-1", "the gift card number is only shown after claiming")
}

func TestConcurrentProcessingNeverOverAllocates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "25", "Amazon", "A-1", "A-2", "A-3", "A-4", "A-5")
	for i := 0; i < 20; i++ {
		env.completed(t, fmt.Sprint(i), fmt.Sprintf("p%d@example.org", i))
	}
	program := env.program(t, "Baseline")

	results := make([]Result, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = env.engine.ProcessReward(context.Background(), program, fmt.Sprint(i))
		}(i)
	}
	wg.Wait()

	rewardIDs := map[int64]bool{}
	reserved, exhausted := 0, 0
	for _, r := range results {
		assert.True(t, r.Success, r.Message)
		switch r.Outcome {
		case OutcomeReserved:
			reserved++
			assert.False(t, rewardIDs[r.RewardID], "reward %d handed out twice", r.RewardID)
			rewardIDs[r.RewardID] = true
		case OutcomeExhausted:
			exhausted++
		default:
			t.Errorf("unexpected outcome %s: %s", r.Outcome, r.Message)
		}
	}
	assert.Equal(t, 5, reserved)
	assert.Equal(t, 15, exhausted)
	assert.Equal(t, 0, env.available(t))

	var tokens []string
	require.NoError(t, env.db.Select(&tokens, `SELECT reward_hash FROM rewards WHERE reward_hash IS NOT NULL`))
	seen := map[string]bool{}
	for _, tok := range tokens {
		assert.False(t, seen[tok], "token %s reused", tok)
		seen[tok] = true
	}
	assert.Len(t, seen, 5)

	env.lockIsFree(t)
}

func TestOneRecordTwoCallers(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "25", "Amazon", "ONLY-1")
	env.completed(t, "a", "a@example.org")
	env.completed(t, "b", "b@example.org")
	program := env.program(t, "Baseline")

	results := map[string]Result{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r := env.engine.ProcessReward(context.Background(), program, id)
			mu.Lock()
			results[id] = r
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	var winner, loser string
	for id, r := range results {
		if r.Outcome == OutcomeReserved {
			winner = id
		} else {
			loser = id
		}
	}
	require.NotEmpty(t, winner)
	require.NotEmpty(t, loser)

	assert.Equal(t, OutcomeExhausted, results[loser].Outcome)
	assert.True(t, results[loser].Success)
	assert.Contains(t, results[loser].Message, "No gift cards")
	assert.Equal(t, model.ParticipantUnavailable, env.field(t, loser, "gc_status"))
	assert.Empty(t, env.field(t, loser, "gc_token"))
	assert.Equal(t, model.ParticipantReserved, env.field(t, winner, "gc_status"))

	alerts := env.messagesTo("ops@example.org")
	require.NotEmpty(t, alerts)
	var sawEmpty bool
	for _, m := range alerts {
		if strings.HasPrefix(m.Subject, "Gift card library is empty") {
			sawEmpty = true
		}
	}
	assert.True(t, sawEmpty)
}

func TestSameParticipantConcurrentCallsLinkOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "25", "Amazon", "A-1", "A-2", "A-3")
	env.completed(t, "1", "alice@example.org")
	program := env.program(t, "Baseline")

	var wg sync.WaitGroup
	results := make([]Result, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = env.engine.ProcessReward(context.Background(), program, "1")
		}(i)
	}
	wg.Wait()

	reserved := 0
	for _, r := range results {
		if r.Outcome == OutcomeReserved {
			reserved++
		} else {
			assert.Equal(t, OutcomeAlreadyRewarded, r.Outcome, r.Message)
		}
	}
	assert.Equal(t, 1, reserved)

	linked, err := env.rewards.FindLinked(context.Background(), env.db, "pool", "Baseline", "p1", "1")
	require.NoError(t, err)
	assert.Len(t, linked, 1)
	assert.Equal(t, 2, env.available(t))
}

func TestAllowMultipleRewards(t *testing.T) {
	env := newTestEnv(t, func(c *model.Catalog) { c.Programs[0].AllowMultiple = true })
	env.seed(t, "25", "Amazon", "A-1", "A-2")
	env.completed(t, "1", "same@example.org")
	env.completed(t, "2", "same@example.org")
	program := env.program(t, "Baseline")

	assert.Equal(t, OutcomeReserved, env.engine.ProcessReward(context.Background(), program, "1").Outcome)
	assert.Equal(t, OutcomeReserved, env.engine.ProcessReward(context.Background(), program, "2").Outcome)
	assert.Equal(t, 0, env.available(t))
}

func TestDuplicateEmailIsSuppressed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "25", "Amazon", "A-1", "A-2")
	env.completed(t, "1", "family@example.org")
	env.completed(t, "2", "family@example.org")
	program := env.program(t, "Baseline")

	first := env.engine.ProcessReward(context.Background(), program, "1")
	require.Equal(t, OutcomeReserved, first.Outcome)

	second := env.engine.ProcessReward(context.Background(), program, "2")
	assert.True(t, second.Success)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Contains(t, second.Message, "record 1")
	assert.Equal(t, model.ParticipantDuplicate, env.field(t, "2", "gc_status"))
	assert.Equal(t, 1, env.available(t))
	assert.Len(t, env.messagesTo("family@example.org"), 1)
}

func TestLockTimeoutLeavesInventoryAvailable(t *testing.T) {
	env := newTestEnv(t, nil, func(o *Options) { o.LockTimeout = 50 * time.Millisecond })
	env.seed(t, "25", "Amazon", "A-1")
	env.completed(t, "1", "alice@example.org")

	held, err := env.locks.Acquire(context.Background(), env.engine.lockName(), time.Second)
	require.NoError(t, err)

	result := env.engine.ProcessReward(context.Background(), env.program(t, "Baseline"), "1")
	require.NoError(t, held.Release(context.Background()))

	assert.False(t, result.Success)
	assert.Equal(t, OutcomeLockTimeout, result.Outcome)
	assert.Contains(t, strings.ToLower(result.Message), "lock")
	assert.Equal(t, 1, env.available(t))
	assert.Equal(t, model.ParticipantLockProblem, env.field(t, "1", "gc_status"))
	assert.Empty(t, env.field(t, "1", "gc_token"))
	assert.Empty(t, env.mail.Messages())
}

func TestEmailFailureKeepsReservation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "25", "Amazon", "A-1", "A-2")
	env.completed(t, "1", "alice@example.org")
	env.mail.SetErr(errors.New("smtp unavailable"))

	result := env.engine.ProcessReward(context.Background(), env.program(t, "Baseline"), "1")
	assert.False(t, result.Success)
	assert.Equal(t, OutcomeReserved, result.Outcome)
	assert.Contains(t, result.Message, "smtp unavailable")

	linked, err := env.rewards.FindLinked(context.Background(), env.db, "pool", "Baseline", "p1", "1")
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, model.StatusReserved, linked[0].Status)
	assert.Equal(t, linked[0].Token.String, env.field(t, "1", "gc_token"))
	assert.Equal(t, 1, env.available(t))

	env.lockIsFree(t)
}

func TestSuppressEmailSkipsNotification(t *testing.T) {
	env := newTestEnv(t, func(c *model.Catalog) {
		c.Programs[0].SuppressEmail = true
		c.Programs[0].LowBalanceOptOut = true
	})
	env.seed(t, "25", "Amazon", "A-1")
	env.completed(t, "1", "alice@example.org")

	result := env.engine.ProcessReward(context.Background(), env.program(t, "Baseline"), "1")
	assert.True(t, result.Success, result.Message)
	assert.Empty(t, env.mail.Messages())
}

func TestLowBalanceAlert(t *testing.T) {
	for _, optOut := range []bool{false, true} {
		t.Run(fmt.Sprintf("opt_out=%v", optOut), func(t *testing.T) {
			env := newTestEnv(t, func(c *model.Catalog) {
				c.Programs[0].LowBalanceThreshold = 1
				c.Programs[0].LowBalanceOptOut = optOut
			})
			env.seed(t, "25", "Amazon", "A-1", "A-2", "A-3")
			env.completed(t, "1", "a@example.org")

			result := env.engine.ProcessReward(context.Background(), env.program(t, "Baseline"), "1")
			require.True(t, result.Success, result.Message)
			assert.Empty(t, env.messagesTo("ops@example.org"), "two left is above the threshold")

			env.completed(t, "2", "b@example.org")
			result = env.engine.ProcessReward(context.Background(), env.program(t, "Baseline"), "2")
			require.True(t, result.Success, result.Message)

			alerts := env.messagesTo("ops@example.org")
			if optOut {
				assert.Empty(t, alerts)
				return
			}
			require.Len(t, alerts, 1)
			assert.Contains(t, alerts[0].Subject, "low balance")
			assert.Contains(t, alerts[0].HTMLBody, "Only 1 gift cards")
		})
	}
}

func TestLowBalanceAlertOnEmptyLibrary(t *testing.T) {
	for _, optOut := range []bool{false, true} {
		t.Run(fmt.Sprintf("opt_out=%v", optOut), func(t *testing.T) {
			env := newTestEnv(t, func(c *model.Catalog) {
				c.Programs[0].LowBalanceThreshold = 5
				c.Programs[0].LowBalanceOptOut = optOut
			})
			env.completed(t, "1", "a@example.org")

			result := env.engine.ProcessReward(context.Background(), env.program(t, "Baseline"), "1")
			require.True(t, result.Success, result.Message)
			assert.Equal(t, OutcomeExhausted, result.Outcome)

			var subjects []string
			for _, m := range env.messagesTo("ops@example.org") {
				subjects = append(subjects, m.Subject)
			}
			if optOut {
				assert.Equal(t, []string{"Gift card library is empty: Baseline"}, subjects)
				return
			}
			assert.Equal(t, []string{
				"Gift card library is empty: Baseline",
				"Gift card library low balance: Baseline",
			}, subjects)
		})
	}
}

func TestBrandPreferenceFromParticipant(t *testing.T) {
	env := newTestEnv(t, func(c *model.Catalog) { c.Programs[0].BrandField = "preferred_brand" })
	env.seed(t, "25", "Amazon", "A-1")
	env.seed(t, "25", "Target", "T-1")
	env.record(t, "1", map[string]string{"survey_complete": "2", "email": "a@example.org", "preferred_brand": "Target"})

	result := env.engine.ProcessReward(context.Background(), env.program(t, "Baseline"), "1")
	require.True(t, result.Success, result.Message)

	linked, err := env.rewards.FindLinked(context.Background(), env.db, "pool", "Baseline", "p1", "1")
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, "T-1", linked[0].EgiftNumber)
}

func TestTokenRegeneratedOnCollision(t *testing.T) {
	tokens := []string{"aaaaaaaaaaaa", "aaaaaaaaaaaa", "bbbbbbbbbbbb"}
	var mu sync.Mutex
	gen := func(int) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		tok := tokens[0]
		tokens = tokens[1:]
		return tok, nil
	}
	env := newTestEnv(t, nil, func(o *Options) { o.Tokens = gen })
	env.seed(t, "25", "Amazon", "A-1", "A-2")
	env.completed(t, "1", "a@example.org")
	env.completed(t, "2", "b@example.org")
	program := env.program(t, "Baseline")

	require.True(t, env.engine.ProcessReward(context.Background(), program, "1").Success)
	require.True(t, env.engine.ProcessReward(context.Background(), program, "2").Success)

	assert.Equal(t, "aaaaaaaaaaaa", env.field(t, "1", "gc_token"))
	assert.Equal(t, "bbbbbbbbbbbb", env.field(t, "2", "gc_token"))
}

func TestPanicIsRecoveredAndLockReleased(t *testing.T) {
	env := newTestEnv(t, nil, func(o *Options) {
		o.Tokens = func(int) (string, error) { panic("entropy source exploded") }
	})
	env.seed(t, "25", "Amazon", "A-1")
	env.completed(t, "1", "a@example.org")

	result := env.engine.ProcessReward(context.Background(), env.program(t, "Baseline"), "1")
	assert.False(t, result.Success)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Contains(t, result.Message, "entropy source exploded")
	assert.Equal(t, 1, env.available(t), "the transaction is rolled back")

	env.lockIsFree(t)
}

func TestProcessRewardUnknownParticipant(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "25", "Amazon", "A-1")

	result := env.engine.ProcessReward(context.Background(), env.program(t, "Baseline"), "nobody")
	assert.False(t, result.Success)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Contains(t, result.Message, "does not exist")
	assert.Equal(t, 1, env.available(t))

	_, err := env.engine.participant(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrParticipantNotFound)
}

func TestProcessRewardWithoutProgram(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "25", "Amazon", "A-1")
	env.completed(t, "1", "a@example.org")

	var result Result
	require.NotPanics(t, func() {
		result = env.engine.ProcessReward(context.Background(), nil, "1")
	})
	assert.False(t, result.Success)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Contains(t, result.Message, "No reward program")
	assert.Equal(t, 1, env.available(t))
	env.lockIsFree(t)
}

func TestCheckEligibility(t *testing.T) {
	env := newTestEnv(t, nil)
	program := env.program(t, "Baseline")
	ctx := context.Background()

	env.record(t, "done", map[string]string{"survey_complete": "2"})
	env.record(t, "pending", map[string]string{"survey_complete": "0"})
	env.record(t, "rewarded", map[string]string{"survey_complete": "2", "gc_token": "tok"})

	assert.Equal(t, Eligible, env.engine.CheckEligibility(ctx, program, "done"))
	assert.Equal(t, NotEligible, env.engine.CheckEligibility(ctx, program, "pending"))
	assert.Equal(t, NotEligible, env.engine.CheckEligibility(ctx, program, "rewarded"))
	assert.Equal(t, Indeterminate, env.engine.CheckEligibility(ctx, program, "missing"))

	broken := *program
	broken.Logic = `[survey_complete] = `
	assert.Equal(t, Indeterminate, env.engine.CheckEligibility(ctx, &broken, "done"))

	_, err := env.engine.Program("Nope")
	assert.ErrorIs(t, err, ErrUnknownProgram)
}
