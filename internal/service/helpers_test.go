package service

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/giftcard/internal/database/dbtest"
	"github.com/kkkkikiki/giftcard/internal/lock"
	"github.com/kkkkikiki/giftcard/internal/logging"
	"github.com/kkkkikiki/giftcard/internal/logic"
	"github.com/kkkkikiki/giftcard/internal/mailer"
	"github.com/kkkkikiki/giftcard/internal/model"
	"github.com/kkkkikiki/giftcard/internal/repository"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	db      *sqlx.DB
	catalog *model.Catalog
	engine  *RewardEngine
	mail    *mailer.Recorder
	locks   *lock.MemoryLock
	rewards *repository.RewardRepository
}

func testCatalog() *model.Catalog {
	return &model.Catalog{
		Pool: model.Pool{
			ID:           "pool",
			ProjectID:    "p1",
			AlertEmail:   "ops@example.org",
			ClaimBaseURL: "https://rewards.example.org",
		},
		Programs: []model.RewardProgram{{
			Title:        "Baseline",
			Logic:        `[survey_complete] = "2"`,
			LinkageField: "gc_token",
			StatusField:  "gc_status",
			EmailField:   "email",
			URLField:     "gc_url",
			Amount:       "25",
			EmailFrom:    "rewards@example.org",
			EmailSubject: "Reward for [first_name]",
		}},
	}
}

func newTestEnv(t *testing.T, mutate func(*model.Catalog), opts ...func(*Options)) *testEnv {
	t.Helper()
	catalog := testCatalog()
	if mutate != nil {
		mutate(catalog)
	}
	require.NoError(t, catalog.Normalize(logic.Validate))

	env := &testEnv{
		db:      dbtest.Open(t).SQL,
		catalog: catalog,
		mail:    &mailer.Recorder{},
		locks:   lock.NewMemoryLock(),
		rewards: repository.NewRewardRepository(),
	}
	o := Options{
		LockTimeout: 10 * time.Second,
		Now:         func() time.Time { return testNow },
		Logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	env.engine = NewRewardEngine(env.db, catalog, logic.NewEvaluator(), env.locks, env.mail, o)
	return env
}

func (env *testEnv) program(t *testing.T, title string) *model.RewardProgram {
	t.Helper()
	p, err := env.engine.Program(title)
	require.NoError(t, err)
	return p
}

func (env *testEnv) seed(t *testing.T, amount, brand string, numbers ...string) {
	t.Helper()
	cards := make([]model.NewReward, 0, len(numbers))
	for _, n := range numbers {
		cards = append(cards, model.NewReward{Amount: decimal.RequireFromString(amount), Brand: brand, EgiftNumber: n})
	}
	_, err := env.rewards.CreateRewards(context.Background(), env.db, "pool", cards)
	require.NoError(t, err)
}

func (env *testEnv) record(t *testing.T, id string, fields map[string]string) {
	t.Helper()
	require.NoError(t, env.engine.Participants().Save(context.Background(), env.db, id, fields))
}

func (env *testEnv) completed(t *testing.T, id, email string) {
	t.Helper()
	env.record(t, id, map[string]string{"survey_complete": "2", "email": email, "first_name": "P" + id})
}

func (env *testEnv) field(t *testing.T, id, name string) string {
	t.Helper()
	p, err := env.engine.Participants().Get(context.Background(), env.db, id)
	require.NoError(t, err)
	return p.Fields[name]
}

func (env *testEnv) available(t *testing.T) int {
	t.Helper()
	n, err := env.rewards.CountAvailable(context.Background(), env.db, "pool", model.InventoryFilter{})
	require.NoError(t, err)
	return n
}

func (env *testEnv) messagesTo(to string) []mailer.Message {
	var out []mailer.Message
	for _, m := range env.mail.Messages() {
		if m.To == to {
			out = append(out, m)
		}
	}
	return out
}

// lockIsFree asserts the pool lock can be taken immediately
func (env *testEnv) lockIsFree(t *testing.T) {
	t.Helper()
	lease, err := env.locks.Acquire(context.Background(), env.engine.lockName(), 50*time.Millisecond)
	require.NoError(t, err, "pool lock must be released")
	require.NoError(t, lease.Release(context.Background()))
}
