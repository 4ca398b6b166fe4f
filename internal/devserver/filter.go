package devserver

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var errBadFilter = errors.New("bad filter")

// condition is one "column=op.value" filter.
type condition struct {
	column string
	op     string
	values []string
}

var sqlOps = map[string]string{
	"eq":  "=",
	"neq": "<>",
	"gt":  ">",
	"gte": ">=",
	"lt":  "<",
	"lte": "<=",
}

// parseCondition parses the "op.value" part of a filter on column.
func parseCondition(column, expr string) (condition, error) {
	op, val, ok := strings.Cut(expr, ".")
	if !ok {
		return condition{}, fmt.Errorf("%w: %s=%s", errBadFilter, column, expr)
	}
	c := condition{column: column, op: op}
	if op == "in" {
		if !strings.HasPrefix(val, "(") || !strings.HasSuffix(val, ")") {
			return condition{}, fmt.Errorf("%w: in list must be parenthesised: %s", errBadFilter, val)
		}
		if inner := val[1 : len(val)-1]; inner != "" {
			c.values = strings.Split(inner, ",")
		}
		return c, nil
	}
	if _, ok := sqlOps[op]; !ok {
		return condition{}, fmt.Errorf("%w: unknown operator %q", errBadFilter, op)
	}
	c.values = []string{val}
	return c, nil
}

// parseFilter parses a full "column=op.value" filter. An empty filter
// matches everything and yields a zero condition.
func parseFilter(filter string) (condition, error) {
	if filter == "" {
		return condition{}, nil
	}
	column, expr, ok := strings.Cut(filter, "=")
	if !ok || column == "" {
		return condition{}, fmt.Errorf("%w: %q", errBadFilter, filter)
	}
	return parseCondition(column, expr)
}

// apply adds the condition to a query. The column must have been checked
// against the table's columns.
func (c condition) apply(tx *gorm.DB) *gorm.DB {
	if c.op == "in" {
		if len(c.values) == 0 {
			return tx.Where("1 = 0")
		}
		return tx.Where(c.column+" IN ?", c.values)
	}
	return tx.Where(c.column+" "+sqlOps[c.op]+" ?", c.values[0])
}

// matches reports whether a change record passes the condition. Only eq
// and in are supported on the change feed.
func (c condition) matches(rec map[string]any) bool {
	if c.column == "" {
		return true
	}
	v, ok := rec[c.column]
	if !ok {
		return false
	}
	s := fmt.Sprint(v)
	for _, want := range c.values {
		if s == want {
			return true
		}
	}
	return false
}
