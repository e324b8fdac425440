package api

import (
	"reflect"

	"github.com/rs/zerolog/log"
)

// Scrub masks every field tagged sensitive, including every field of a tagged struct.
func Scrub(o interface{}) {
	v := reflect.ValueOf(o).Elem()
	if v.Kind() != reflect.Struct {
		return
	}
	scrubStruct(v)
}

func scrubStruct(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := v.Field(i)
		sf := t.Field(i)
		if !f.CanSet() {
			continue
		}
		if sf.Tag.Get("sensitive") != "" {
			mask(f, sf.Name)
			continue
		}
		if f.Kind() == reflect.Struct {
			scrubStruct(f)
		}
	}
}

func mask(f reflect.Value, name string) {
	switch f.Kind() {
	case reflect.String:
		f.SetString("******")
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f.SetInt(0)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f.SetUint(0)
	case reflect.Float32, reflect.Float64:
		f.SetFloat(0.00)
	case reflect.Bool:
		f.SetBool(false)
	case reflect.Struct:
		for i := 0; i < f.NumField(); i++ {
			if f.Field(i).CanSet() {
				mask(f.Field(i), name+"."+f.Type().Field(i).Name)
			}
		}
	default:
		log.Warn().
			Str("fieldName", name).
			Str("type", f.Kind().String()).
			Msg("field marked sensitive but was an unrecognized type")
	}
}
