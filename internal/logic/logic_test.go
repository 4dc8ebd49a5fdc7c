package logic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/giftcard/internal/model"
)

func TestEvaluate(t *testing.T) {
	fields := map[string]string{
		"survey_complete": "2",
		"age":             "21",
		"name":            "Alice",
		"consent___1":     "1",
		"blank":           "",
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"string equality", `[survey_complete] = "2"`, true},
		{"numeric equality ignores format", `[survey_complete] = 2.0`, true},
		{"double equals", `[name] == 'Alice'`, true},
		{"not equal", `[name] <> "Bob"`, true},
		{"bang not equal", `[name] != "Alice"`, false},
		{"numeric ordering", `[age] >= 18`, true},
		{"numeric not lexical", `[age] > 3`, true},
		{"less than", `[age] < 21`, false},
		{"less or equal", `[age] <= 21`, true},
		{"and", `[age] > 18 and [name] = "Alice"`, true},
		{"and short", `[age] > 30 AND [name] = "Alice"`, false},
		{"or", `[age] > 30 or [name] = "Alice"`, true},
		{"precedence", `[age] > 30 or [name] = "Alice" and [survey_complete] = "1"`, false},
		{"parentheses", `([age] > 30 or [name] = "Alice") and [survey_complete] = "2"`, true},
		{"event prefix", `[baseline_arm_1][age] = 21`, true},
		{"checkbox", `[consent(1)] = "1"`, true},
		{"missing field reads blank", `[unknown] = ""`, true},
		{"blank is not ordered", `[blank] < 5`, false},
		{"blank equality", `[blank] = ""`, true},
		{"bare field truthy", `[survey_complete]`, true},
		{"bare blank falsy", `[blank]`, false},
		{"literal true", `true`, true},
		{"literal false", `false or [age] = 0`, false},
		{"negative number", `[age] > -1`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := Parse(tt.expr)
			require.NoError(t, err)
			got, err := expr.Evaluate(fields)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"unterminated field", `[age > 1`},
		{"unterminated string", `[name] = "Al`},
		{"dangling operator", `[age] >`},
		{"unknown word", `[age] > 1 xor [a] = 1`},
		{"unbalanced paren", `([age] > 1`},
		{"trailing paren", `[age] > 1)`},
		{"bad operator", `[age] => 1`},
		{"empty field", `[] = 1`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr)
			require.Error(t, err)
			var syntaxErr *SyntaxError
			assert.ErrorAs(t, err, &syntaxErr)
		})
	}

	_, err := Parse("   ")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestFields(t *testing.T) {
	expr, err := Parse(`[b] = 1 and ([a] = 2 or [consent(3)] = "1") and [b] <> 4`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "consent___3"}, expr.Fields())
}

func TestEvaluatorCachesExpressions(t *testing.T) {
	ev := NewEvaluator()
	p := model.Participant{ID: "1", Fields: map[string]string{"done": "1"}}

	ok, err := ev.Evaluate(`[done] = 1`, p)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Evaluate(`[done] = 1`, model.Participant{ID: "2"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, ev.cache, 1)

	_, err = ev.Evaluate(`[done] = `, p)
	assert.Error(t, err)
	assert.Len(t, ev.cache, 1)
}
