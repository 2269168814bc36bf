// Package objects plans and executes hierarchical object listings against the
// storage catalog. A listing returns only the immediate children of a folder,
// ordered and paginated by the catalog in a single query.
package objects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

const (
	// SearchProcedure is the catalog RPC used for listings.
	SearchProcedure = "search"

	// DefaultSortColumn is used when a request has no sortBy.
	DefaultSortColumn = "name"

	OrderAsc  = "asc"
	OrderDesc = "desc"
)

var (
	// ErrInvalidColumn is returned for sort columns outside the whitelist.
	ErrInvalidColumn = errors.New("invalid sort column")
	// ErrInvalidOrder is returned for sort orders other than asc or desc.
	ErrInvalidOrder = errors.New("invalid sort order")
	// ErrMissingSortColumn is returned when sortBy is present without a column.
	ErrMissingSortColumn = errors.New("sortBy must have required property 'column'")
	// ErrMissingBucket is returned when a request names no bucket.
	ErrMissingBucket = errors.New("bucket name is required")
)

var (
	sortColumns = mapset.NewSet("name", "updated_at", "created_at", "last_accessed_at")
	sortOrders  = mapset.NewSet(OrderAsc, OrderDesc)
)

// SortBy selects the listing order.
type SortBy struct {
	Column string `json:"column"`
	Order  string `json:"order,omitempty"`
}

// ListRequest is a directory-style listing request.
type ListRequest struct {
	BucketName string  `json:"-"`
	Prefix     string  `json:"prefix"`
	Limit      *int    `json:"limit,omitempty"`
	Offset     *int    `json:"offset,omitempty"`
	SortBy     *SortBy `json:"sortBy,omitempty"`
}

// Query is a planned catalog query.
type Query struct {
	BucketName string
	// Prefix is the normalized folder prefix; empty means the bucket root.
	Prefix string
	// Level is the directory depth whose entries are returned.
	Level  int
	Limit  *int
	Offset *int

	SortColumn string
	Ascending  bool
}

// SearchParams are the exact RPC parameters of the search procedure.
type SearchParams struct {
	Prefix     string `json:"prefix"`
	BucketName string `json:"bucketname"`
	Limits     *int   `json:"limits,omitempty"`
	Offsets    *int   `json:"offsets,omitempty"`
	Levels     int    `json:"levels"`
}

// Order is the ordering applied to the RPC result.
type Order struct {
	Column    string
	Ascending bool
}

// Object is a catalog record. Folders have a nil ID and timestamps.
type Object struct {
	Name           string         `json:"name"`
	ID             *string        `json:"id"`
	UpdatedAt      *time.Time     `json:"updated_at"`
	CreatedAt      *time.Time     `json:"created_at"`
	LastAccessedAt *time.Time     `json:"last_accessed_at"`
	Metadata       map[string]any `json:"metadata"`

	// Extra holds any other columns the catalog returned, encoded as received.
	Extra map[string]json.RawMessage `json:"-"`
}

// objectFields are the columns decoded into Object's typed fields.
var objectFields = []string{"name", "id", "updated_at", "created_at", "last_accessed_at", "metadata"}

// plainObject has Object's fields without its JSON methods.
type plainObject Object

// UnmarshalJSON decodes the known columns and keeps the rest in Extra.
func (o *Object) UnmarshalJSON(data []byte) error {
	var p plainObject
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, f := range objectFields {
		delete(raw, f)
	}
	if len(raw) > 0 {
		p.Extra = raw
	}
	*o = Object(p)
	return nil
}

// MarshalJSON encodes the typed columns followed by Extra.
func (o Object) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(plainObject(o))
	if err != nil || len(o.Extra) == 0 {
		return data, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range o.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Catalog runs the search procedure. Implementations are constructed per
// request and already carry the caller's credentials.
type Catalog interface {
	Search(ctx context.Context, params SearchParams, order Order) ([]Object, error)
}

// Plan validates req and turns it into a Query.
//
// A non-empty prefix is treated as a folder and gets a trailing slash. The
// level is the number of segments of the normalized prefix split on "/":
// "" is level 1, "a/" is level 2, "a/b/" is level 3.
func Plan(req ListRequest) (Query, error) {
	if req.BucketName == "" {
		return Query{}, ErrMissingBucket
	}

	prefix := req.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	column, order := DefaultSortColumn, OrderAsc
	if req.SortBy != nil {
		if req.SortBy.Column == "" {
			return Query{}, ErrMissingSortColumn
		}
		column = req.SortBy.Column
		if req.SortBy.Order != "" {
			order = req.SortBy.Order
		}
	}
	if !sortColumns.Contains(column) {
		return Query{}, fmt.Errorf("%w: %q", ErrInvalidColumn, column)
	}
	if !sortOrders.Contains(order) {
		return Query{}, fmt.Errorf("%w: %q", ErrInvalidOrder, order)
	}

	return Query{
		BucketName: req.BucketName,
		Prefix:     prefix,
		Level:      len(strings.Split(prefix, "/")),
		Limit:      req.Limit,
		Offset:     req.Offset,
		SortColumn: column,
		Ascending:  order == OrderAsc,
	}, nil
}

// Params returns the RPC parameters for q.
func (q Query) Params() SearchParams {
	return SearchParams{
		Prefix:     q.Prefix,
		BucketName: q.BucketName,
		Limits:     q.Limit,
		Offsets:    q.Offset,
		Levels:     q.Level,
	}
}

// Order returns the ordering for q.
func (q Query) Order() Order {
	return Order{Column: q.SortColumn, Ascending: q.Ascending}
}

// Execute runs q against catalog. Backend failures come back as *CatalogError
// carrying the backend's status and body unchanged.
func Execute(ctx context.Context, q Query, catalog Catalog) ([]Object, error) {
	results, err := catalog.Search(ctx, q.Params(), q.Order())
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []Object{}
	}
	return results, nil
}
