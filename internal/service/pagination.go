package service

import "math"

const (
	defaultPageSize = 20
	maxPageSize     = 100

	// maxPage keeps (page-1)*limit within int32 for every limit.
	maxPage = math.MaxInt32 / maxPageSize
)

// pageBounds applies the listing defaults: page 1, 20 items, at most 100.
func pageBounds(page, limit int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if page > maxPage {
		page = maxPage
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit, (page - 1) * limit
}
