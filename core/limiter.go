package core

import (
	"fmt"
	"sync"
)

// TurnBudget enforces a maximum number of model turns per invocation.
type TurnBudget struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewTurnBudget creates a budget allowing max turns. If max <= 0, MaxTurns is used.
func NewTurnBudget(max int) *TurnBudget {
	if max <= 0 {
		max = MaxTurns
	}
	return &TurnBudget{max: max}
}

// Take consumes one turn and returns an error once the budget is exhausted.
func (b *TurnBudget) Take() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.max {
		return fmt.Errorf("turn budget of %d exhausted", b.max)
	}
	b.count++
	return nil
}

// Used returns the number of turns consumed.
func (b *TurnBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.count
}

// Remaining returns how many turns are left.
func (b *TurnBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.max - b.count
}
