package memory

import "reflect"

// reflectTypeOf returns the struct type behind a (possibly nil) pointer
// entity value.
func reflectTypeOf(entity any) reflect.Type {
	t := reflect.TypeOf(entity)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// reflectNew allocates a new pointer-to-struct of type t.
func reflectNew(t reflect.Type) any {
	return reflect.New(t).Interface()
}
