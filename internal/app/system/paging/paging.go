// internal/app/system/paging/paging.go
package paging

import (
	"net/http"
	"strconv"

	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"github.com/dalemusser/waffle/pantry/query"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// PageSize is the default number of items in a page.
const PageSize = 50

// MaxPageSize caps ?limit=.
const MaxPageSize = 200

// Request is a keyset page request: ?after=<cursor> pages forward,
// ?before=<cursor> pages backward, ?limit= sets the size.
type Request struct {
	Before string
	After  string
	Limit  int
}

// Parse reads a page request from the query string. A missing or invalid
// limit falls back to PageSize.
func Parse(r *http.Request) Request {
	req := Request{
		Before: query.Get(r, "before"),
		After:  query.Get(r, "after"),
		Limit:  PageSize,
	}
	if s := query.Get(r, "limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			req.Limit = min(n, MaxPageSize)
		}
	}
	return req
}

func (req Request) size() int {
	if req.Limit <= 0 {
		return PageSize
	}
	return req.Limit
}

// Page is one page of a keyset-paginated list.
type Page[T any] struct {
	Items   []T    `json:"items"`
	HasPrev bool   `json:"has_prev"`
	HasNext bool   `json:"has_next"`
	Prev    string `json:"prev,omitempty"`
	Next    string `json:"next,omitempty"`
}

// Result holds the output of TrimPage.
type Result struct {
	HasPrev bool
	HasNext bool
}

// TrimPage trims rows fetched with Limit+1 (already in display order).
//
// When going backwards the extra row is the first one and HasNext is always
// true. Otherwise the extra row is the last one and HasPrev is true only
// when an after cursor was given.
func TrimPage[T any](rows *[]T, req Request) Result {
	size := req.size()
	orig := len(*rows)
	var res Result

	if req.Before != "" {
		if orig > size {
			*rows = (*rows)[1:]
			res.HasPrev = true
		}
		res.HasNext = true
	} else {
		if orig > size {
			*rows = (*rows)[:size]
			res.HasNext = true
		}
		res.HasPrev = req.After != ""
	}
	return res
}

// Direction indicates the pagination direction.
type Direction int

const (
	Forward  Direction = iota // sort ascending, "gt" cursor
	Backward                  // sort descending, "lt" cursor
)

// KeysetConfig is a page request resolved for a Mongo query.
type KeysetConfig struct {
	Direction Direction
	SortOrder int // 1 ascending, -1 descending
	Cursor    *wafflemongo.Cursor
	Limit     int
}

// ConfigureKeyset determines the direction and decodes the cursor. Before
// wins over after; an undecodable cursor starts from the first page.
func ConfigureKeyset(req Request) KeysetConfig {
	cfg := KeysetConfig{Direction: Forward, SortOrder: 1, Limit: req.size()}

	if req.Before != "" {
		cfg.Direction = Backward
		cfg.SortOrder = -1
		if c, ok := wafflemongo.DecodeCursor(req.Before); ok {
			cfg.Cursor = &c
		}
	} else if req.After != "" {
		if c, ok := wafflemongo.DecodeCursor(req.After); ok {
			cfg.Cursor = &c
		}
	}
	return cfg
}

// ApplyToFind sets sort (sortField, _id) and a Limit+1 look-ahead.
func (cfg KeysetConfig) ApplyToFind(find *options.FindOptions, sortField string) {
	find.SetSort(bson.D{
		{Key: sortField, Value: cfg.SortOrder},
		{Key: "_id", Value: cfg.SortOrder},
	}).SetLimit(int64(cfg.Limit + 1))
}

// Filter adds the cursor condition for sortField to filter.
func (cfg KeysetConfig) Filter(filter bson.M, sortField string) bson.M {
	if cfg.Cursor == nil {
		return filter
	}
	dir := "gt"
	if cfg.Direction == Backward {
		dir = "lt"
	}
	win := wafflemongo.KeysetWindow(sortField, dir, cfg.Cursor.CI, cfg.Cursor.ID)
	if len(filter) == 0 {
		return win
	}
	return bson.M{"$and": bson.A{filter, win}}
}

// Reverse reverses a slice in place.
func Reverse[T any](rows []T) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}

// BuildCursors encodes cursors for the first and last rows.
func BuildCursors[T any](rows []T, keyFn func(T) string, idFn func(T) primitive.ObjectID) (prev, next string) {
	if len(rows) == 0 {
		return "", ""
	}
	first := rows[0]
	last := rows[len(rows)-1]
	prev = wafflemongo.EncodeCursor(keyFn(first), idFn(first))
	next = wafflemongo.EncodeCursor(keyFn(last), idFn(last))
	return prev, next
}

// Finish turns rows fetched with cfg into a Page: backward pages are put
// back in ascending order, the look-ahead row is trimmed, and cursors are
// built from what remains.
func Finish[T any](rows []T, req Request, cfg KeysetConfig, keyFn func(T) string, idFn func(T) primitive.ObjectID) Page[T] {
	if rows == nil {
		rows = []T{}
	}
	if cfg.Direction == Backward {
		Reverse(rows)
	}
	res := TrimPage(&rows, req)
	p := Page[T]{Items: rows, HasPrev: res.HasPrev, HasNext: res.HasNext}
	prev, next := BuildCursors(rows, keyFn, idFn)
	if p.HasPrev {
		p.Prev = prev
	}
	if p.HasNext {
		p.Next = next
	}
	return p
}
