package store

import (
	"reflect"
	"time"
)

// CondOp is a filter condition operator.
type CondOp int

const (
	OpEq CondOp = iota
	OpNe
	OpGt
	OpGte
	OpLt
	OpLte
	OpIn
	OpExists
)

// Condition is a single field predicate. Field names are document field
// names (bson tags), with dots for nested fields.
type Condition struct {
	Field string
	Op    CondOp
	Value any
}

// Filter is a conjunction of field conditions. The zero Filter matches
// every entity.
type Filter struct {
	conds []Condition
}

// All matches every entity.
func All() Filter { return Filter{} }

// ByID matches the entity with the given id.
func ByID(id string) Filter { return Eq("_id", id) }

// Eq matches entities whose field equals value.
func Eq(field string, value any) Filter {
	return Filter{conds: []Condition{{Field: field, Op: OpEq, Value: value}}}
}

// Ne matches entities whose field does not equal value.
func Ne(field string, value any) Filter {
	return Filter{conds: []Condition{{Field: field, Op: OpNe, Value: value}}}
}

// Gt matches entities whose field is greater than value.
func Gt(field string, value any) Filter {
	return Filter{conds: []Condition{{Field: field, Op: OpGt, Value: value}}}
}

// Gte matches entities whose field is greater than or equal to value.
func Gte(field string, value any) Filter {
	return Filter{conds: []Condition{{Field: field, Op: OpGte, Value: value}}}
}

// Lt matches entities whose field is less than value.
func Lt(field string, value any) Filter {
	return Filter{conds: []Condition{{Field: field, Op: OpLt, Value: value}}}
}

// Lte matches entities whose field is less than or equal to value.
func Lte(field string, value any) Filter {
	return Filter{conds: []Condition{{Field: field, Op: OpLte, Value: value}}}
}

// In matches entities whose field equals any of the given values.
func In(field string, values ...any) Filter {
	return Filter{conds: []Condition{{Field: field, Op: OpIn, Value: values}}}
}

// Exists matches entities by presence (non-zero value) of a field.
func Exists(field string, exists bool) Filter {
	return Filter{conds: []Condition{{Field: field, Op: OpExists, Value: exists}}}
}

// And combines filters into a single conjunction.
func And(filters ...Filter) Filter {
	var conds []Condition
	for _, f := range filters {
		conds = append(conds, f.conds...)
	}
	return Filter{conds: conds}
}

// Conditions returns the filter's conditions for backend translation.
func (f Filter) Conditions() []Condition { return f.conds }

// Matches evaluates the filter against an entity in memory. Used by the
// memory backend and by change-feed subscriptions for client-side event
// matching.
func (f Filter) Matches(entity any) bool {
	for _, c := range f.conds {
		if !c.matches(entity) {
			return false
		}
	}
	return true
}

func (c Condition) matches(entity any) bool {
	got, ok := FieldValue(entity, c.Field)
	switch c.Op {
	case OpExists:
		want, _ := c.Value.(bool)
		present := ok && !isZeroValue(got)
		return present == want
	case OpEq:
		return ok && equalValues(got, c.Value)
	case OpNe:
		return !ok || !equalValues(got, c.Value)
	case OpIn:
		if !ok {
			return false
		}
		values, _ := c.Value.([]any)
		for _, v := range values {
			if equalValues(got, v) {
				return true
			}
		}
		return false
	case OpGt, OpGte, OpLt, OpLte:
		if !ok {
			return false
		}
		cmp, comparable := compareValues(got, c.Value)
		if !comparable {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	}
	return false
}

// equalValues compares two values loosely: numeric kinds compare by value,
// everything else by deep equality after string normalization.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
		return false
	}
	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if av.Kind() == reflect.String && bv.Kind() == reflect.String {
		return av.String() == bv.String()
	}
	return reflect.DeepEqual(a, b)
}

// compareValues returns -1/0/1 for ordered values; ok is false when the
// two values are not mutually ordered.
func compareValues(a, b any) (int, bool) {
	if at, aok := a.(time.Time); aok {
		bt, bok := b.(time.Time)
		if !bok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		default:
			return 0, true
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	default:
		return 0, true
	}
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}

func isZeroValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		return rv.IsNil()
	}
	return rv.IsZero()
}
