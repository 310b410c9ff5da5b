package config

import (
	"reflect"
)

// Overlay copies the non-zero parts of src onto dst. Both must be pointers
// to the same type. Structs and maps are merged recursively, non-empty
// slices replace, and zero scalars in src leave dst untouched.
func Overlay(dst, src any) {
	d := reflect.ValueOf(dst)
	s := reflect.ValueOf(src)
	if d.Kind() != reflect.Pointer || s.Kind() != reflect.Pointer || d.IsNil() || s.IsNil() {
		return
	}
	if d.Type() != s.Type() {
		return
	}
	overlayValue(d.Elem(), s.Elem())
}

func overlayValue(dst, src reflect.Value) {
	if !dst.CanSet() {
		return
	}

	switch dst.Kind() {
	case reflect.Struct:
		for i := range dst.NumField() {
			overlayValue(dst.Field(i), src.Field(i))
		}
	case reflect.Map:
		overlayMap(dst, src)
	case reflect.Slice:
		if src.Len() > 0 {
			dst.Set(src)
		}
	case reflect.Func, reflect.Chan, reflect.Interface, reflect.Pointer:
		if !src.IsNil() {
			dst.Set(src)
		}
	default:
		if !src.IsZero() {
			dst.Set(src)
		}
	}
}

// overlayMap merges entries key by key; struct and map values are merged
// with the existing entry instead of replacing it.
func overlayMap(dst, src reflect.Value) {
	if src.IsNil() || src.Len() == 0 {
		return
	}
	if dst.IsNil() {
		dst.Set(reflect.MakeMapWithSize(dst.Type(), src.Len()))
	}

	iter := src.MapRange()
	for iter.Next() {
		key, val := iter.Key(), iter.Value()
		existing := dst.MapIndex(key)

		if !existing.IsValid() || (val.Kind() != reflect.Struct && val.Kind() != reflect.Map) {
			dst.SetMapIndex(key, val)
			continue
		}

		merged := reflect.New(existing.Type()).Elem()
		merged.Set(existing)
		overlayValue(merged, val)
		dst.SetMapIndex(key, merged)
	}
}
