package stage

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Decode copies the declared inputs into target, a pointer to a struct whose
// fields are tagged `input:"name"` or `input:"name,required"`. Values are
// converted to the field's type; a cty.Value field receives the raw value.
// Absent optional inputs leave the field untouched, so callers set defaults
// before decoding. Every decode failure is permanent.
func (r *Request) Decode(target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return errors.New("decode target must be a non-nil pointer to a struct")
	}
	sv := rv.Elem()
	st := sv.Type()

	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		tag, ok := field.Tag.Lookup("input")
		if !ok || tag == "-" || !field.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")

		val := r.Arg(name)
		if val == cty.NilVal || val.IsNull() {
			if opts == "required" {
				return Permanent(fmt.Errorf("stage '%s': input '%s' is required", r.Stage, name))
			}
			continue
		}
		if !val.IsWhollyKnown() {
			return Permanent(fmt.Errorf("stage '%s': input '%s' is not known", r.Stage, name))
		}

		fv := sv.Field(i)
		ty, err := gocty.ImpliedType(fv.Interface())
		if err != nil {
			return Permanent(fmt.Errorf("stage '%s': input '%s' cannot decode into %s: %w", r.Stage, name, field.Type, err))
		}
		converted, err := convert.Convert(val, ty)
		if err != nil {
			return Permanent(fmt.Errorf("stage '%s': input '%s' must be %s: %w", r.Stage, name, ty.FriendlyName(), err))
		}
		if err := gocty.FromCtyValue(converted, fv.Addr().Interface()); err != nil {
			return Permanent(fmt.Errorf("stage '%s': input '%s': %w", r.Stage, name, err))
		}
	}
	return nil
}
