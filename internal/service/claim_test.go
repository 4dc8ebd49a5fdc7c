package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/giftcard/internal/model"
)

func reserveFor(t *testing.T, env *testEnv, id string) string {
	t.Helper()
	env.completed(t, id, id+"@example.org")
	result := env.engine.ProcessReward(context.Background(), env.program(t, "Baseline"), id)
	require.Equal(t, OutcomeReserved, result.Outcome, result.Message)
	return env.field(t, id, "gc_token")
}

func TestClaimUnknownTokenWritesNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "25", "Amazon", "A-1")

	page := env.engine.Claim(context.Background(), "does-not-exist", "")
	assert.Equal(t, ClaimNotFound, page.Status)
	assert.False(t, page.Found())
	assert.Contains(t, page.Notices, "reward not found")
	assert.Empty(t, page.Content)
	assert.Empty(t, env.mail.Messages())
	assert.Equal(t, 1, env.available(t))

	assert.Equal(t, ClaimNotFound, env.engine.Claim(context.Background(), "  ", "").Status)
}

func TestClaimMarksClaimedAndEmails(t *testing.T) {
	env := newTestEnv(t, func(c *model.Catalog) {
		c.Programs[0].RequireClaim = true
		c.Programs[0].EmailHeader = "Thanks [first_name]!"
	})
	env.seed(t, "25", "Amazon", "A-1")
	token := reserveFor(t, env, "7")
	ctx := context.Background()

	page := env.engine.Claim(ctx, token, "")
	assert.Equal(t, ClaimClaimed, page.Status)
	assert.Equal(t, "Reward for P7", page.Title)
	assert.Equal(t, "Thanks P7!", page.Header)
	assert.Contains(t, page.Content, "Your gift card number is <b>A-1</b>")

	reward, err := env.rewards.FindByToken(ctx, env.db, "pool", token)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClaimed, reward.Status)
	assert.True(t, reward.ClaimedAt.Time.Equal(testNow))
	assert.Equal(t, model.ParticipantClaimed, env.field(t, "7", "gc_status"))

	msgs := env.messagesTo("7@example.org")
	require.Len(t, msgs, 2, "claim link then reward")
	assert.Contains(t, msgs[1].HTMLBody, "A-1")
	assert.Contains(t, msgs[1].HTMLBody, "<h3>Thanks P7!</h3>")
}

func TestClaimIsIdempotent(t *testing.T) {
	clock := testNow
	env := newTestEnv(t, nil, func(o *Options) { o.Now = func() time.Time { return clock } })
	env.seed(t, "25", "Amazon", "A-1")
	token := reserveFor(t, env, "7")
	ctx := context.Background()

	first := env.engine.Claim(ctx, token, "")
	require.Equal(t, ClaimClaimed, first.Status)

	clock = testNow.Add(48 * time.Hour)
	second := env.engine.Claim(ctx, token, "")
	assert.Equal(t, ClaimAlreadyClaimed, second.Status)
	assert.Equal(t, first.Content, second.Content)

	reward, err := env.rewards.FindByToken(ctx, env.db, "pool", token)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClaimed, reward.Status)
	assert.True(t, reward.ClaimedAt.Time.Equal(testNow), "first claim time is kept")
	assert.Equal(t, model.ParticipantClaimed, env.field(t, "7", "gc_status"))

	// reservation email, first claim, resend on the repeat visit
	assert.Len(t, env.messagesTo("7@example.org"), 3)
}

func TestClaimReclaimPolicies(t *testing.T) {
	tests := []struct {
		policy     model.ReclaimPolicy
		wantStatus ClaimStatus
		wantEmails int
		wantShown  bool
	}{
		{model.ReclaimResend, ClaimAlreadyClaimed, 3, true},
		{model.ReclaimDisplay, ClaimAlreadyClaimed, 2, true},
		{model.ReclaimReject, ClaimRejected, 2, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			env := newTestEnv(t, func(c *model.Catalog) { c.Programs[0].Reclaim = tt.policy })
			env.seed(t, "25", "Amazon", "A-1")
			token := reserveFor(t, env, "7")

			require.Equal(t, ClaimClaimed, env.engine.Claim(context.Background(), token, "").Status)
			page := env.engine.Claim(context.Background(), token, "")

			assert.Equal(t, tt.wantStatus, page.Status)
			assert.Equal(t, tt.wantShown, page.Content != "")
			assert.Len(t, env.messagesTo("7@example.org"), tt.wantEmails)
		})
	}
}

func TestClaimAlternateEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "25", "Amazon", "A-1")
	token := reserveFor(t, env, "7")
	ctx := context.Background()

	page := env.engine.Claim(ctx, token, "Other Person <other@example.org>")
	assert.Contains(t, page.Notices, "Your reward was also sent to other@example.org.")

	msgs := env.messagesTo("other@example.org")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].HTMLBody, "A-1")

	reward, err := env.rewards.FindByToken(ctx, env.db, "pool", token)
	require.NoError(t, err)
	assert.Equal(t, "other@example.org", reward.AlternateEmail.String)

	page = env.engine.Claim(ctx, token, "not an address")
	assert.Contains(t, page.Notices, `"not an address" is not a valid email address.`)
}

func TestClaimEmailFailureStillShowsReward(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "25", "Amazon", "A-1")
	token := reserveFor(t, env, "7")
	env.mail.SetErr(assert.AnError)

	page := env.engine.Claim(context.Background(), token, "")
	assert.Equal(t, ClaimClaimed, page.Status)
	assert.Contains(t, page.Content, "A-1")
	assert.Contains(t, page.Notices, "We could not email your reward; please keep this page for your records.")
}
