package pagination

const (
	DefaultLimit = 50
	MaxLimit     = 250
)

// Page carries limit/offset paging parameters for history queries.
type Page struct {
	Limit  int `form:"limit,default=50"`
	Offset int `form:"offset"`
}

// Clamp normalizes a page so adjacent pages over a static dataset never
// overlap or skip rows.
func (p Page) Clamp() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
