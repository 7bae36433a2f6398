package models

import "strings"

const (
	DefaultTake     = 50
	MaxTake         = 200
	DefaultPageSize = 10
)

// ListParams selects a window of events. Page/PageSize (1-based) wins over
// Skip/Take when Page is set.
type ListParams struct {
	Skip      *int
	Take      *int
	Page      *int
	PageSize  *int
	EventType string
	Search    string
}

// Window resolves the SQL offset and limit. The limit never exceeds MaxTake.
func (p ListParams) Window() (offset, limit int) {
	limit = DefaultTake
	if p.Page != nil {
		if p.PageSize != nil {
			limit = *p.PageSize
		}
	} else if p.Take != nil {
		limit = *p.Take
	}
	if limit > MaxTake {
		limit = MaxTake
	}
	if limit < 1 {
		limit = 1
	}

	if p.Page != nil {
		page := *p.Page
		if page < 1 {
			page = 1
		}
		return (page - 1) * limit, limit
	}
	if p.Skip != nil && *p.Skip > 0 {
		offset = *p.Skip
	}
	return offset, limit
}

// SearchTerm returns the trimmed search string.
func (p ListParams) SearchTerm() string {
	return strings.TrimSpace(p.Search)
}

// TotalPages is ceil(total/pageSize).
func TotalPages(total int64, pageSize int) int64 {
	if pageSize < 1 || total <= 0 {
		return 0
	}
	return (total + int64(pageSize) - 1) / int64(pageSize)
}

type Page struct {
	Events     []Event `json:"events"`
	Page       int     `json:"page"`
	TotalPages int64   `json:"totalPages"`
	TotalCount int64   `json:"totalCount"`
	PageSize   int     `json:"pageSize"`
}

func IntPtr(n int) *int {
	return &n
}
