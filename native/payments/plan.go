package payments

// Plan splits a payment across its funding sources.
type Plan struct {
	Credit  int64
	Ecash   int64
	Promise int64
}

// Total is the amount the plan pays.
func (p Plan) Total() int64 { return p.Credit + p.Ecash + p.Promise }

// PlanPayment draws on credit first, then ecash, and covers any shortfall
// with a new promise. It has no side effects.
func PlanPayment(amount, availableCredit, spendable int64) Plan {
	if amount <= 0 {
		return Plan{}
	}
	credit := max(min(availableCredit, amount), 0)
	remaining := amount - credit
	ecashPart := max(min(spendable, remaining), 0)
	return Plan{
		Credit:  credit,
		Ecash:   ecashPart,
		Promise: remaining - ecashPart,
	}
}
