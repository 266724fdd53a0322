package exchange

// RateBudget is a venue's documented request budget, enforced locally by
// each adapter before dispatch. Read and write calls draw from separate
// buckets so status polling cannot starve order placement.
type RateBudget struct {
	ReadRPS  float64
	WriteRPS float64
	Burst    int
}

// DefaultBudget is deliberately conservative; real budgets come from the
// exchange limits file.
var DefaultBudget = RateBudget{ReadRPS: 5, WriteRPS: 2, Burst: 5}

func (b RateBudget) OrDefault() RateBudget {
	if b.ReadRPS <= 0 || b.WriteRPS <= 0 {
		return DefaultBudget
	}
	if b.Burst <= 0 {
		b.Burst = int(b.ReadRPS)
	}
	return b
}
