package tokens

// Budget tracks a running token total against a fixed ceiling. The prompt
// assembler creates one per generation request and asks it before appending
// each section; a section that would push the total over the ceiling is
// rejected, which is what guarantees the assembled prompt never exceeds it.
type Budget struct {
	counter Counter
	ceiling int
	used    int
}

// NewBudget creates a Budget with the given ceiling. A nil counter selects
// the heuristic counter.
func NewBudget(counter Counter, ceiling int) *Budget {
	if counter == nil {
		counter = HeuristicCounter{}
	}
	return &Budget{counter: counter, ceiling: ceiling}
}

// Ceiling returns the configured token ceiling.
func (b *Budget) Ceiling() int {
	return b.ceiling
}

// Used returns the tokens consumed so far.
func (b *Budget) Used() int {
	return b.used
}

// Remaining returns the tokens still available. Never negative.
func (b *Budget) Remaining() int {
	if rem := b.ceiling - b.used; rem > 0 {
		return rem
	}
	return 0
}

// Fits reports whether text can be added without exceeding the ceiling.
// It does not consume anything.
func (b *Budget) Fits(text string) bool {
	return b.used+b.counter.Count(text) <= b.ceiling
}

// Take consumes text's tokens from the budget. Returns false, consuming
// nothing, when the text would push the total over the ceiling.
func (b *Budget) Take(text string) bool {
	n := b.counter.Count(text)
	if b.used+n > b.ceiling {
		return false
	}
	b.used += n
	return true
}

// Count exposes the underlying counter.
func (b *Budget) Count(text string) int {
	return b.counter.Count(text)
}
