package ldapclient

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// AttributeUnmarshaler lets a field type decode its own attribute
// values instead of the built-in conversions.
type AttributeUnmarshaler interface {
	UnmarshalLDAPAttribute(values [][]byte) error
}

// UnmarshalEntry maps a raw entry onto a struct using `ldap` field
// tags:
//
//	UID    string   `ldap:"uid,required"`
//	Mail   *string  `ldap:"mail"`
//	Groups []string `ldap:"memberOf"`
//	DN     string   `ldap:",dn"`
//
// The tag names the source attribute (the field name when empty);
// "required" fails the record when the attribute is absent; "dn"
// receives the entry's distinguished name. Untagged fields are
// ignored. Supported field types: string, integers, bool, []byte,
// slices of those, pointers for optional scalars, and any type
// implementing AttributeUnmarshaler. Failures return a *MappingError
// and invalidate only this record.
func UnmarshalEntry(entry *RawEntry, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("ldapclient: UnmarshalEntry target must be a non-nil struct pointer, got %T", v)
	}
	sv := rv.Elem()
	st := sv.Type()

	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		tag, ok := field.Tag.Lookup("ldap")
		if !ok || tag == "-" || !field.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")

		if hasTagOption(opts, "dn") {
			if field.Type.Kind() != reflect.String {
				return fmt.Errorf("ldapclient: dn field %s.%s must be a string", st.Name(), field.Name)
			}
			sv.Field(i).SetString(entry.DN)
			continue
		}
		if name == "" {
			name = field.Name
		}

		values := entry.Values(name)
		if len(values) == 0 {
			if hasTagOption(opts, "required") {
				return &MappingError{Attribute: name, Err: ErrMissingAttribute}
			}
			continue
		}
		if err := setAttributeField(sv.Field(i), values); err != nil {
			return &MappingError{Attribute: name, Err: err}
		}
	}
	return nil
}

func hasTagOption(opts, want string) bool {
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if opt == want {
			return true
		}
	}
	return false
}

func setAttributeField(fv reflect.Value, values [][]byte) error {
	if fv.CanAddr() {
		if u, ok := fv.Addr().Interface().(AttributeUnmarshaler); ok {
			return u.UnmarshalLDAPAttribute(values)
		}
	}

	switch fv.Kind() {
	case reflect.Pointer:
		elem := reflect.New(fv.Type().Elem())
		if err := setAttributeField(elem.Elem(), values); err != nil {
			return err
		}
		fv.Set(elem)
		return nil

	case reflect.Slice:
		return setSliceField(fv, values)

	case reflect.String:
		raw, err := singleValue(values)
		if err != nil {
			return err
		}
		fv.SetString(string(raw))
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		raw, err := singleValue(values)
		if err != nil {
			return err
		}
		n, err := strconv.ParseInt(string(raw), 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		raw, err := singleValue(values)
		if err != nil {
			return err
		}
		n, err := strconv.ParseUint(string(raw), 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
		return nil

	case reflect.Bool:
		raw, err := singleValue(values)
		if err != nil {
			return err
		}
		b, err := parseDirectoryBool(string(raw))
		if err != nil {
			return err
		}
		fv.SetBool(b)
		return nil
	}

	return fmt.Errorf("unsupported field type %s", fv.Type())
}

func setSliceField(fv reflect.Value, values [][]byte) error {
	elem := fv.Type().Elem()

	// []byte holds a single binary value.
	if elem.Kind() == reflect.Uint8 {
		raw, err := singleValue(values)
		if err != nil {
			return err
		}
		fv.SetBytes(append([]byte(nil), raw...))
		return nil
	}

	// [][]byte keeps every value binary.
	if elem.Kind() == reflect.Slice && elem.Elem().Kind() == reflect.Uint8 {
		out := reflect.MakeSlice(fv.Type(), len(values), len(values))
		for i, raw := range values {
			out.Index(i).SetBytes(append([]byte(nil), raw...))
		}
		fv.Set(out)
		return nil
	}

	out := reflect.MakeSlice(fv.Type(), len(values), len(values))
	for i, raw := range values {
		if err := setAttributeField(out.Index(i), [][]byte{raw}); err != nil {
			return err
		}
	}
	fv.Set(out)
	return nil
}

func singleValue(values [][]byte) ([]byte, error) {
	if len(values) > 1 {
		return nil, fmt.Errorf("attribute has %d values for a single-valued field", len(values))
	}
	return values[0], nil
}

// parseDirectoryBool accepts the directory spellings TRUE/FALSE in any
// case, falling back to Go's boolean syntax.
func parseDirectoryBool(s string) (bool, error) {
	switch strings.ToUpper(s) {
	case "TRUE":
		return true, nil
	case "FALSE":
		return false, nil
	}
	return strconv.ParseBool(s)
}
