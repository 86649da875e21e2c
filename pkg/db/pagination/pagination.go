package pagination

const (
	DefaultLimit = 20
	MaxLimit     = 250
)

type Pagination struct {
	Page  int `form:"page,default=1" json:"page"`
	Limit int `form:"limit,default=20" json:"limit"` // Min 1, Max 250
}

type PageInfo struct {
	Page    int   `json:"page"`
	Limit   int   `json:"limit"`
	Total   int64 `json:"total"`
	HasMore bool  `json:"has_more"`
}

// Normalize clamps page and limit into their valid ranges.
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

func (p Pagination) Offset() int {
	return (p.Page - 1) * p.Limit
}

func BuildPageInfo(p Pagination, total int64) *PageInfo {
	return &PageInfo{
		Page:    p.Page,
		Limit:   p.Limit,
		Total:   total,
		HasMore: int64(p.Page*p.Limit) < total,
	}
}
