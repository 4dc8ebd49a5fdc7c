package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/giftcard/internal/model"
)

func TestVerifyProgramHealthy(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "25", "Amazon", "A-1")
	env.completed(t, "1", "one@example.org")

	report := env.engine.VerifyProgram(context.Background(), env.program(t, "Baseline"))

	assert.True(t, report.OK, report.Problems)
	assert.Equal(t, "1", report.SampleRecord)
	assert.Equal(t, "eligible", report.Eligibility)
	assert.Equal(t, 1, report.Available)
	assert.Equal(t, 1, env.available(t))
	assert.Empty(t, env.field(t, "1", "gc_token"))
}

func TestVerifyProgramReportsProblems(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "10", "Amazon", "TEN-1")

	lease, err := env.locks.Acquire(context.Background(), env.engine.lockName(), time.Second)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	report := env.engine.VerifyProgram(context.Background(), env.program(t, "Baseline"))

	assert.False(t, report.OK)
	assert.Equal(t, "indeterminate", report.Eligibility)
	assert.Equal(t, 0, report.Available)
	require.Len(t, report.Problems, 3)
	assert.Contains(t, report.Problems[0], "no records")
	assert.Contains(t, report.Problems[1], "amount $25")
	assert.Contains(t, report.Problems[2], "pool lock unavailable")
}

func TestVerifyProgramReportsUnknownLogicFields(t *testing.T) {
	env := newTestEnv(t, func(c *model.Catalog) {
		c.Programs[0].Logic = `[survey_complete] = "2" and [consent_given] = "1"`
	})
	env.seed(t, "25", "Amazon", "A-1")
	env.completed(t, "1", "one@example.org")

	report := env.engine.VerifyProgram(context.Background(), env.program(t, "Baseline"))

	assert.False(t, report.OK)
	require.Len(t, report.Problems, 1)
	assert.Equal(t, "logic reads fields no record has: consent_given", report.Problems[0])
}
