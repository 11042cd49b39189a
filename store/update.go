package store

import (
	"fmt"
	"reflect"
)

// OpKind is a mutation operator.
type OpKind int

const (
	OpSet OpKind = iota
	OpSetOnInsert
	OpUnset
	OpInc
	OpPush
	OpPull
)

// Operation is a single field mutation.
type Operation struct {
	Kind  OpKind
	Field string
	Value any
}

// Update is an ordered mutation description applied atomically by a
// repository. The repository appends the revision increment itself; an
// Update never needs to (and must not) touch the revision field.
type Update struct {
	ops []Operation
}

// NewUpdate returns an empty mutation description.
func NewUpdate() *Update { return &Update{} }

// Set assigns value to field.
func (u *Update) Set(field string, value any) *Update {
	u.ops = append(u.ops, Operation{Kind: OpSet, Field: field, Value: value})
	return u
}

// SetOnInsert assigns value to field only when the update results in an
// upsert-insert.
func (u *Update) SetOnInsert(field string, value any) *Update {
	u.ops = append(u.ops, Operation{Kind: OpSetOnInsert, Field: field, Value: value})
	return u
}

// Unset clears field to its zero value.
func (u *Update) Unset(field string) *Update {
	u.ops = append(u.ops, Operation{Kind: OpUnset, Field: field})
	return u
}

// Inc adds delta to a numeric field.
func (u *Update) Inc(field string, delta int64) *Update {
	u.ops = append(u.ops, Operation{Kind: OpInc, Field: field, Value: delta})
	return u
}

// Push appends value to an array field.
func (u *Update) Push(field string, value any) *Update {
	u.ops = append(u.ops, Operation{Kind: OpPush, Field: field, Value: value})
	return u
}

// Pull removes every element equal to value from an array field.
func (u *Update) Pull(field string, value any) *Update {
	u.ops = append(u.ops, Operation{Kind: OpPull, Field: field, Value: value})
	return u
}

// Operations returns the mutation list for backend translation.
func (u *Update) Operations() []Operation { return u.ops }

// Apply mutates entity in place. inserting selects whether SetOnInsert
// operations take effect. Used by the memory backend; the MongoDB backend
// translates Operations to a native update document instead.
func (u *Update) Apply(entity any, inserting bool) error {
	root := reflect.ValueOf(entity)
	for _, op := range u.ops {
		if op.Kind == OpSetOnInsert && !inserting {
			continue
		}
		field, ok := settableField(root, op.Field)
		if !ok {
			return fmt.Errorf("store: update field %q: not found or not settable", op.Field)
		}
		if err := applyOp(field, op); err != nil {
			return fmt.Errorf("store: update field %q: %w", op.Field, err)
		}
	}
	return nil
}

func applyOp(field reflect.Value, op Operation) error {
	switch op.Kind {
	case OpSet, OpSetOnInsert:
		return assign(field, op.Value)
	case OpUnset:
		field.Set(reflect.Zero(field.Type()))
		return nil
	case OpInc:
		delta := op.Value.(int64)
		switch field.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			field.SetInt(field.Int() + delta)
		case reflect.Float32, reflect.Float64:
			field.SetFloat(field.Float() + float64(delta))
		default:
			return fmt.Errorf("inc on non-numeric kind %s", field.Kind())
		}
		return nil
	case OpPush:
		if field.Kind() != reflect.Slice {
			return fmt.Errorf("push on non-slice kind %s", field.Kind())
		}
		elem := reflect.New(field.Type().Elem()).Elem()
		if err := assign(elem, op.Value); err != nil {
			return err
		}
		field.Set(reflect.Append(field, elem))
		return nil
	case OpPull:
		if field.Kind() != reflect.Slice {
			return fmt.Errorf("pull on non-slice kind %s", field.Kind())
		}
		kept := reflect.MakeSlice(field.Type(), 0, field.Len())
		for i := 0; i < field.Len(); i++ {
			if !equalValues(field.Index(i).Interface(), op.Value) {
				kept = reflect.Append(kept, field.Index(i))
			}
		}
		field.Set(kept)
		return nil
	}
	return fmt.Errorf("unknown operation kind %d", op.Kind)
}

// assign sets dst to value, converting between compatible kinds and
// wrapping into pointer fields as needed.
func assign(dst reflect.Value, value any) error {
	if value == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	v := reflect.ValueOf(value)
	if dst.Kind() == reflect.Ptr && v.Kind() != reflect.Ptr {
		p := reflect.New(dst.Type().Elem())
		if err := assign(p.Elem(), value); err != nil {
			return err
		}
		dst.Set(p)
		return nil
	}
	if v.Type().AssignableTo(dst.Type()) {
		dst.Set(v)
		return nil
	}
	if v.Type().ConvertibleTo(dst.Type()) {
		dst.Set(v.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %s to %s", v.Type(), dst.Type())
}
