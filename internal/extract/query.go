package extract

import (
	"fmt"
	"net/url"
	"strconv"

	"crimelake/internal/domain"
)

// FetchRequest is one day's query against the Socrata resource. It is built
// fresh for every day.
type FetchRequest struct {
	BaseURL string
	Limit   int
	Where   string
	Order   string
	Window  domain.Window
}

// URL returns the request URL for the page starting at offset. The first
// page (offset 0) carries no $offset parameter.
func (r FetchRequest) URL(offset int) string {
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		// BaseURL is validated at startup; fall back to plain concatenation.
		return r.BaseURL + "?" + r.values(offset).Encode()
	}
	q := u.Query()
	for k, vs := range r.values(offset) {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (r FetchRequest) values(offset int) url.Values {
	v := url.Values{}
	v.Set("$limit", strconv.Itoa(r.Limit))
	v.Set("$where", r.Where)
	if r.Order != "" {
		v.Set("$order", r.Order)
	}
	if offset > 0 {
		v.Set("$offset", strconv.Itoa(offset))
	}
	return v
}

// QueryBuilder turns a window into a FetchRequest.
type QueryBuilder struct {
	baseURL string
	field   string
	limit   int
}

// NewQueryBuilder creates a QueryBuilder for the resource at baseURL,
// filtering on field. limit <= 0 selects domain.DefaultLimit.
func NewQueryBuilder(baseURL, field string, limit int) *QueryBuilder {
	if limit <= 0 {
		limit = domain.DefaultLimit
	}
	if field == "" {
		field = "updated_on"
	}
	return &QueryBuilder{baseURL: baseURL, field: field, limit: limit}
}

// Build returns the request selecting rows whose filter field falls inside
// w, both bounds inclusive. Rows are ordered by the system :id column so
// that successive pages do not overlap.
func (b *QueryBuilder) Build(w domain.Window) FetchRequest {
	return FetchRequest{
		BaseURL: b.baseURL,
		Limit:   b.limit,
		Where:   fmt.Sprintf("%s between '%s' and '%s'", b.field, w.StartISO(), w.EndISO()),
		Order:   ":id",
		Window:  w,
	}
}
