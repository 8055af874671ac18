// Package canonical renders structured values into the deterministic string
// form that the inference backend hashes when it signs an interaction.
//
// The format is not JSON. Keys are quoted, string values are written verbatim,
// floats always carry six decimals and timestamps are reduced to UTC second
// precision without a zone suffix. Any deviation changes the SHA-256 pre-image
// and makes every stored signature unverifiable.
package canonical

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the ISO-8601 form used for timestamps.
const TimestampLayout = "2006-01-02T15:04:05"

// FloatDigits is the default number of decimals for floating point values.
const FloatDigits = 6

var (
	// ErrCycle is returned when a map, slice or pointer contains itself.
	ErrCycle = errors.New("canonical: cyclic value")

	// ErrUnsupported is returned for values with no canonical form
	// (structs, channels, functions, non-finite floats, non-string map keys).
	ErrUnsupported = errors.New("canonical: unsupported value")
)

var (
	timeType   = reflect.TypeOf(time.Time{})
	numberType = reflect.TypeOf(json.Number(""))
)

// Serialize returns the canonical string form of v.
func Serialize(v any) (string, error) {
	w := &writer{onPath: make(map[visit]struct{})}
	if err := w.write(reflect.ValueOf(v)); err != nil {
		return "", err
	}
	return w.b.String(), nil
}

// FormatTimestamp renders t the way Serialize renders time.Time values.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// FormatFloat renders f with the default precision.
func FormatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: non-finite float %v", ErrUnsupported, f)
	}
	return strconv.FormatFloat(f, 'f', FloatDigits, 64), nil
}

// visit identifies a reference-typed value currently being written.
type visit struct {
	ptr uintptr
	typ reflect.Type
	n   int
}

type writer struct {
	b      strings.Builder
	onPath map[visit]struct{}
}

func (w *writer) write(v reflect.Value) error {
	if !v.IsValid() {
		w.b.WriteString("null")
		return nil
	}

	switch v.Type() {
	case timeType:
		w.b.WriteString(FormatTimestamp(v.Interface().(time.Time)))
		return nil
	case numberType:
		return w.number(json.Number(v.String()))
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			w.b.WriteString("null")
			return nil
		}
		return w.write(v.Elem())

	case reflect.Pointer:
		if v.IsNil() {
			w.b.WriteString("null")
			return nil
		}
		return w.enter(v, func() error { return w.write(v.Elem()) })

	case reflect.String:
		w.b.WriteString(v.String())
		return nil

	case reflect.Bool:
		w.b.WriteString(strconv.FormatBool(v.Bool()))
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		w.b.WriteString(strconv.FormatInt(v.Int(), 10))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		w.b.WriteString(strconv.FormatUint(v.Uint(), 10))
		return nil

	case reflect.Float32, reflect.Float64:
		s, err := FormatFloat(v.Float())
		if err != nil {
			return err
		}
		w.b.WriteString(s)
		return nil

	case reflect.Map:
		if v.IsNil() {
			w.b.WriteString("null")
			return nil
		}
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%w: map key type %s", ErrUnsupported, v.Type().Key())
		}
		return w.enter(v, func() error { return w.object(v) })

	case reflect.Slice:
		if v.IsNil() {
			w.b.WriteString("null")
			return nil
		}
		return w.enter(v, func() error { return w.array(v) })

	case reflect.Array:
		return w.array(v)
	}

	return fmt.Errorf("%w: %s", ErrUnsupported, v.Type())
}

// enter guards descent into reference values so that a value reachable from
// itself fails instead of recursing forever. Shared, acyclic references are
// allowed because the mark is removed on the way out.
func (w *writer) enter(v reflect.Value, fn func() error) error {
	key := visit{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		key.n = v.Len()
	}
	if key.ptr != 0 {
		if _, ok := w.onPath[key]; ok {
			return fmt.Errorf("%w: %s", ErrCycle, v.Type())
		}
		w.onPath[key] = struct{}{}
		defer delete(w.onPath, key)
	}
	return fn()
}

func (w *writer) object(v reflect.Value) error {
	keys := make([]string, 0, v.Len())
	values := make(map[string]reflect.Value, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := iter.Key().String()
		keys = append(keys, k)
		values[k] = iter.Value()
	}
	sort.Strings(keys)

	w.b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			w.b.WriteByte(',')
		}
		w.b.WriteByte('"')
		w.b.WriteString(k)
		w.b.WriteString(`":`)
		if err := w.write(values[k]); err != nil {
			return err
		}
	}
	w.b.WriteByte('}')
	return nil
}

func (w *writer) array(v reflect.Value) error {
	w.b.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			w.b.WriteByte(',')
		}
		if err := w.write(v.Index(i)); err != nil {
			return err
		}
	}
	w.b.WriteByte(']')
	return nil
}

// number renders a decoded JSON number: integer literals stay integers, anything
// with a fraction or exponent goes through the float path.
func (w *writer) number(n json.Number) error {
	s := n.String()
	if s == "" {
		return fmt.Errorf("%w: empty number", ErrUnsupported)
	}
	if strings.ContainsAny(s, ".eE") {
		f, err := n.Float64()
		if err != nil {
			return fmt.Errorf("%w: number %q", ErrUnsupported, s)
		}
		out, err := FormatFloat(f)
		if err != nil {
			return err
		}
		w.b.WriteString(out)
		return nil
	}
	if i, err := n.Int64(); err == nil {
		w.b.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	// Integers wider than int64 (token amounts) are kept digit for digit.
	for i, r := range s {
		if (r < '0' || r > '9') && !(i == 0 && r == '-') {
			return fmt.Errorf("%w: number %q", ErrUnsupported, s)
		}
	}
	w.b.WriteString(s)
	return nil
}
