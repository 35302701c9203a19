package reconcile

import "github.com/antoniostano/botconsole/internal/conversation"

const DefaultPageSize = 10

// Pager walks a fixed list in 1-based pages.
type Pager struct {
	items    []conversation.Session
	pageSize int
	page     int
}

func NewPager(items []conversation.Session, pageSize int) *Pager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Pager{items: items, pageSize: pageSize, page: 1}
}

// SetPageSize changes the page size and returns to the first page.
func (p *Pager) SetPageSize(n int) {
	if n <= 0 {
		n = DefaultPageSize
	}
	p.pageSize = n
	p.page = 1
}

// SetPage moves to n, clamped into [1, TotalPages].
func (p *Pager) SetPage(n int) {
	total := p.TotalPages()
	switch {
	case n < 1:
		n = 1
	case n > total:
		n = total
	}
	p.page = n
}

func (p *Pager) Page() int     { return p.page }
func (p *Pager) PageSize() int { return p.pageSize }
func (p *Pager) Total() int    { return len(p.items) }

// TotalPages is at least 1 so an empty list still has a first page.
func (p *Pager) TotalPages() int {
	if len(p.items) == 0 {
		return 1
	}
	return (len(p.items) + p.pageSize - 1) / p.pageSize
}

// Items returns the current page's slice of the list.
func (p *Pager) Items() []conversation.Session {
	start := (p.page - 1) * p.pageSize
	if start >= len(p.items) {
		return []conversation.Session{}
	}
	end := start + p.pageSize
	if end > len(p.items) {
		end = len(p.items)
	}
	return p.items[start:end]
}

// PageView is the serialized form of one page.
type PageView struct {
	Items      []conversation.Session `json:"items"`
	Page       int                    `json:"page"`
	PageSize   int                    `json:"page_size"`
	Total      int                    `json:"total"`
	TotalPages int                    `json:"total_pages"`
}

func (p *Pager) View() PageView {
	return PageView{
		Items:      p.Items(),
		Page:       p.page,
		PageSize:   p.pageSize,
		Total:      p.Total(),
		TotalPages: p.TotalPages(),
	}
}
