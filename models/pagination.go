package models

// PaginatedThreads is one page of a mailbox's thread list, most recent first
type PaginatedThreads struct {
	Threads      []*Thread `json:"threads"`
	Page         int       `json:"page"`
	PageSize     int       `json:"page_size"`
	TotalPages   int       `json:"total_pages"`
	TotalThreads int       `json:"total_threads"`
	HasNext      bool      `json:"has_next"`
	HasPrev      bool      `json:"has_prev"`
}

// NewPaginatedThreads slices all (already sorted) into the requested page
func NewPaginatedThreads(all []*Thread, page, pageSize int) *PaginatedThreads {
	if pageSize <= 0 {
		pageSize = 50
	}
	total := len(all)
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}

	start := (page - 1) * pageSize
	end := start + pageSize
	if end > total {
		end = total
	}

	threads := all[start:end]
	if threads == nil {
		threads = []*Thread{}
	}

	return &PaginatedThreads{
		Threads:      threads,
		Page:         page,
		PageSize:     pageSize,
		TotalPages:   totalPages,
		TotalThreads: total,
		HasNext:      page < totalPages,
		HasPrev:      page > 1,
	}
}
