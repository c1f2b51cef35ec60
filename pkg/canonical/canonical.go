// Package canonical produces a stable byte representation of JSON-compatible
// values for hashing and equality checks.
//
// Object keys are sorted, no insignificant whitespace is emitted, strings are
// written as UTF-8 without HTML escaping, and integral numbers are written as
// integers. Values that have no JSON representation are rejected rather than
// coerced.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ErrUnserializable is returned when a value cannot be represented canonically.
var ErrUnserializable = errors.New("unserializable value")

var (
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	jsonNumberType    = reflect.TypeOf(json.Number(""))
)

// Marshal returns the canonical encoding of v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, reflect.ValueOf(v), "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the hex sha256 of the canonical encoding of v.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports whether a and b have identical canonical encodings.
func Equal(a, b any) (bool, error) {
	ca, err := Marshal(a)
	if err != nil {
		return false, err
	}
	cb, err := Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

func unserializable(path string, format string, args ...any) error {
	return fmt.Errorf("%w at %s: %s", ErrUnserializable, path, fmt.Sprintf(format, args...))
}

func encode(buf *bytes.Buffer, v reflect.Value, path string) error {
	if !v.IsValid() {
		buf.WriteString("null")
		return nil
	}

	if v.Type() == jsonNumberType {
		return encodeNumberLiteral(buf, v.String(), path)
	}

	if v.Type().Implements(jsonMarshalerType) && !(v.Kind() == reflect.Pointer && v.IsNil()) {
		return encodeViaJSON(buf, v.Interface(), path)
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return encode(buf, v.Elem(), path)
	case reflect.Bool:
		if v.Bool() {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case reflect.String:
		return encodeString(buf, v.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(v.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		buf.WriteString(strconv.FormatUint(v.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		return encodeFloat(buf, v.Float(), path)
	case reflect.Map:
		return encodeMap(buf, v, path)
	case reflect.Slice:
		if v.IsNil() {
			buf.WriteString("null")
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return unserializable(path, "raw byte slices have no canonical form")
		}
		return encodeArray(buf, v, path)
	case reflect.Array:
		return encodeArray(buf, v, path)
	case reflect.Struct:
		return encodeViaJSON(buf, v.Interface(), path)
	default:
		return unserializable(path, "unsupported kind %s", v.Kind())
	}
}

func encodeMap(buf *bytes.Buffer, v reflect.Value, path string) error {
	if v.IsNil() {
		buf.WriteString("null")
		return nil
	}
	if v.Type().Key().Kind() != reflect.String {
		return unserializable(path, "map key type %s is not a string", v.Type().Key())
	}

	keys := make([]string, 0, v.Len())
	values := make(map[string]reflect.Value, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := iter.Key().String()
		keys = append(keys, k)
		values[k] = iter.Value()
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, values[k], path+"."+k); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, v reflect.Value, path string) error {
	buf.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, v.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// encodeViaJSON round-trips structs and json.Marshaler values through
// encoding/json so struct tags are honored, then canonicalizes the result.
func encodeViaJSON(buf *bytes.Buffer, v any, path string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return unserializable(path, "%v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return unserializable(path, "%v", err)
	}
	return encode(buf, reflect.ValueOf(generic), path)
}

func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

func encodeFloat(buf *bytes.Buffer, f float64, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return unserializable(path, "non-finite number %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		if f == 0 {
			buf.WriteString("0")
			return nil
		}
		buf.WriteString(strconv.FormatFloat(f, 'f', 0, 64))
		return nil
	}

	abs := math.Abs(f)
	format := byte('f')
	if abs < 1e-6 || abs >= 1e21 {
		format = 'e'
	}
	s := strconv.FormatFloat(f, format, -1, 64)
	if format == 'e' {
		// 1e-07 -> 1e-7
		n := len(s)
		if n >= 4 && s[n-4] == 'e' && s[n-3] == '-' && s[n-2] == '0' {
			s = s[:n-2] + s[n-1:]
		}
	}
	buf.WriteString(s)
	return nil
}

func encodeNumberLiteral(buf *bytes.Buffer, lit string, path string) error {
	if lit == "" {
		return unserializable(path, "empty number literal")
	}
	if !strings.ContainsAny(lit, ".eE") {
		n, ok := new(big.Int).SetString(lit, 10)
		if !ok {
			return unserializable(path, "invalid integer literal %q", lit)
		}
		buf.WriteString(n.String())
		return nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return unserializable(path, "invalid number literal %q", lit)
	}
	return encodeFloat(buf, f, path)
}
