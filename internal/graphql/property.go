package graphql

import (
	"context"
	"reflect"
	"strings"

	"gateway/internal/gateway"
)

// Property returns the default field resolver: it reads field from the
// parent object carried in ctx.
func Property(field string) gateway.Handler {
	return func(ctx context.Context, _ gateway.Args) (any, error) {
		return lookup(gateway.SourceFromContext(ctx), field), nil
	}
}

// lookup reads name from a map or an exported struct field. Struct fields
// match on their json tag first, then case-insensitively on the Go name.
func lookup(source any, name string) any {
	switch src := source.(type) {
	case nil:
		return nil
	case map[string]any:
		return src[name]
	case gateway.Args:
		return src[name]
	}

	v := reflect.ValueOf(source)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil
		}
		mv := v.MapIndex(reflect.ValueOf(name).Convert(v.Type().Key()))
		if !mv.IsValid() {
			return nil
		}
		return mv.Interface()
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			sf := t.Field(i)
			if !sf.IsExported() {
				continue
			}
			tag, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
			if tag == name || (tag == "" && strings.EqualFold(sf.Name, name)) {
				return v.Field(i).Interface()
			}
		}
	}
	return nil
}
