package logic

import (
	"sync"

	"github.com/kkkkikiki/giftcard/internal/model"
)

// Evaluator evaluates expressions against participants, caching compiled expressions.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*Expression
}

// NewEvaluator creates an Evaluator with an empty cache
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*Expression)}
}

// Evaluate parses expression (once) and evaluates it for participant.
func (e *Evaluator) Evaluate(expression string, participant model.Participant) (bool, error) {
	expr, err := e.compile(expression)
	if err != nil {
		return false, err
	}
	return expr.Evaluate(participant.Fields)
}

func (e *Evaluator) compile(expression string) (*Expression, error) {
	e.mu.RLock()
	expr, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return expr, nil
	}

	expr, err := Parse(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = expr
	e.mu.Unlock()
	return expr, nil
}
