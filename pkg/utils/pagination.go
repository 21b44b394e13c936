package utils

import (
	"math"
	"net/http"
	"strconv"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type Page struct {
	Limit  int
	Offset int
	Number int
}

// PageFromRequest reads ?page= and ?limit= with sane bounds.
func PageFromRequest(r *http.Request) Page {
	limit := defaultPageSize
	if val, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && val > 0 {
		limit = val
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	page := 1
	if val, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && val > 0 {
		page = val
	}

	return Page{Limit: limit, Offset: (page - 1) * limit, Number: page}
}

func (p Page) Meta(total int64) map[string]interface{} {
	return map[string]interface{}{
		"total_items":  total,
		"total_pages":  int(math.Ceil(float64(total) / float64(p.Limit))),
		"current_page": p.Number,
		"limit":        p.Limit,
	}
}
