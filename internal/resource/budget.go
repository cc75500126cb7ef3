package resource

// Budget tracks how much of a total profile is still unreserved.
//
// Not safe for concurrent use; the slot table owns it on its single writer.
type Budget struct {
	total     Profile
	available Profile
}

func NewBudget(total Profile) *Budget {
	return &Budget{total: total, available: total}
}

func (b *Budget) Total() Profile     { return b.total }
func (b *Budget) Available() Profile { return b.available }

// Reserve takes p out of the budget. It returns false and leaves the budget
// untouched if p does not fit.
func (b *Budget) Reserve(p Profile) bool {
	if p.IsUnknown() || !p.LessOrEqual(b.available) {
		return false
	}
	b.available = b.available.Subtract(p)
	return true
}

// Release gives p back. It returns false if that would exceed the total.
func (b *Budget) Release(p Profile) bool {
	if p.IsUnknown() {
		return false
	}
	next := b.available.Add(p)
	if !next.LessOrEqual(b.total) {
		return false
	}
	b.available = next
	return true
}
