package devserver

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/pinmap/locsync/internal/model"
	"github.com/pinmap/locsync/pkg/streaming"
)

// table describes a queryable table.
type table struct {
	columns   []string
	published bool // changes are sent on the realtime feed
	rows      func() any
}

var tables = map[string]table{
	"profiles": {
		columns:   []string{"id", "display_name", "photo_url", "created_at", "updated_at"},
		published: true,
		rows:      func() any { return &[]model.Profile{} },
	},
	"friendships": {
		columns: []string{"user_id", "friend_id", "created_at"},
		rows:    func() any { return &[]model.Friendship{} },
	},
	"locations": {
		columns:   []string{"user_id", "latitude", "longitude", "accuracy", "is_visible", "updated_at"},
		published: true,
		rows:      func() any { return &[]model.Location{} },
	},
}

func (t table) has(column string) bool {
	return slices.Contains(t.columns, column)
}

// selectColumns parses a select list. nil means every column.
func (t table) selectColumns(sel string) ([]string, error) {
	if sel == "" || sel == "*" {
		return nil, nil
	}
	cols := strings.Split(sel, ",")
	for i, c := range cols {
		c = strings.TrimSpace(c)
		if !t.has(c) {
			return nil, fmt.Errorf("unknown column %q", c)
		}
		cols[i] = c
	}
	return cols, nil
}

// orderClause turns "col.asc,col2.desc" into SQL.
func (t table) orderClause(order string) (string, error) {
	if order == "" {
		return "", nil
	}
	var parts []string
	for _, term := range strings.Split(order, ",") {
		col, dir, _ := strings.Cut(strings.TrimSpace(term), ".")
		if !t.has(col) {
			return "", fmt.Errorf("unknown order column %q", col)
		}
		switch dir {
		case "", "asc":
			parts = append(parts, col+" ASC")
		case "desc":
			parts = append(parts, col+" DESC")
		default:
			return "", fmt.Errorf("unknown order direction %q", dir)
		}
	}
	return strings.Join(parts, ", "), nil
}

// subscriptionFilter validates a realtime subscription.
func subscriptionFilter(sub streaming.SubscribePayload) (condition, error) {
	t, ok := tables[sub.Table]
	if !ok || !t.published {
		return condition{}, fmt.Errorf("table %q is not published", sub.Table)
	}
	cond, err := parseFilter(sub.Filter)
	if err != nil {
		return condition{}, err
	}
	if cond.column == "" {
		return cond, nil
	}
	if !t.has(cond.column) {
		return condition{}, fmt.Errorf("unknown column %q", cond.column)
	}
	if cond.op != "eq" && cond.op != "in" {
		return condition{}, fmt.Errorf("operator %q is not supported on the feed", cond.op)
	}
	return cond, nil
}

// toRecords converts model rows to JSON objects, keeping only columns when
// it is non-nil.
func toRecords(rows any, columns []string) ([]map[string]any, error) {
	raw, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	for _, rec := range out {
		withholdHidden(rec)
	}
	if columns == nil {
		return out, nil
	}
	for i, rec := range out {
		projected := make(map[string]any, len(columns))
		for _, c := range columns {
			projected[c] = rec[c]
		}
		out[i] = projected
	}
	return out, nil
}

// toRecord converts one model row to a JSON object.
// withholdHidden drops the coordinates of a location row whose owner is
// hidden. Rows of other tables pass through.
func withholdHidden(rec map[string]any) {
	if visible, ok := rec["is_visible"].(bool); !ok || visible {
		return
	}
	delete(rec, "latitude")
	delete(rec, "longitude")
	delete(rec, "accuracy")
}

func toRecord(row any) (map[string]any, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}
