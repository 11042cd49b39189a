package store

import (
	"reflect"
	"strings"
)

// FieldValue resolves a document field path ("stage_state",
// "progress.percent") against an entity using bson tags, falling back to
// lowercased field names. ok is false when the path does not resolve.
func FieldValue(entity any, path string) (any, bool) {
	v, ok := fieldByPath(reflect.ValueOf(entity), path)
	if !ok || !v.IsValid() {
		return nil, false
	}
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, true
		}
		v = v.Elem()
	}
	return v.Interface(), true
}

// fieldByPath walks a dotted field path through structs, embedded structs
// and pointers.
func fieldByPath(v reflect.Value, path string) (reflect.Value, bool) {
	segments := strings.Split(path, ".")
	for _, segment := range segments {
		for v.Kind() == reflect.Ptr {
			if v.IsNil() {
				return reflect.Value{}, false
			}
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, false
		}
		field, ok := structField(v, segment)
		if !ok {
			return reflect.Value{}, false
		}
		v = field
	}
	return v, true
}

// structField finds the field of v whose bson tag (or lowercased name)
// matches name, searching embedded structs recursively.
func structField(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if f.Anonymous {
			inner := v.Field(i)
			for inner.Kind() == reflect.Ptr {
				if inner.IsNil() {
					break
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct {
				if found, ok := structField(inner, name); ok {
					return found, true
				}
			}
			continue
		}
		if fieldName(f) == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func fieldName(f reflect.StructField) string {
	tag := f.Tag.Get("bson")
	if tag != "" {
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		if tag != "" && tag != "-" {
			return tag
		}
	}
	return strings.ToLower(f.Name)
}

// settableField is like fieldByPath but allocates intermediate nil
// pointers so the terminal field can be assigned.
func settableField(v reflect.Value, path string) (reflect.Value, bool) {
	segments := strings.Split(path, ".")
	for _, segment := range segments {
		for v.Kind() == reflect.Ptr {
			if v.IsNil() {
				if !v.CanSet() {
					return reflect.Value{}, false
				}
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, false
		}
		field, ok := structField(v, segment)
		if !ok {
			return reflect.Value{}, false
		}
		v = field
	}
	return v, v.CanSet()
}
