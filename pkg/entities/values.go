package entities

import (
	"cmp"
	"encoding/json"
	"math"
	"reflect"
	"strconv"

	"github.com/diwise/vertebrate/pkg/errors"
)

const IDAttribute string = "id"

// NormalizeID validates an identifier and returns it as nil, a string or an
// int64. Whole numbers of any numeric type, including the float64 values
// produced by encoding/json, map to the same int64.
func NormalizeID(id any) (any, error) {
	switch v := id.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case int:
		return signedID(int64(v))
	case int8:
		return signedID(int64(v))
	case int16:
		return signedID(int64(v))
	case int32:
		return signedID(int64(v))
	case int64:
		return signedID(v)
	case uint:
		return unsignedID(uint64(v))
	case uint8:
		return unsignedID(uint64(v))
	case uint16:
		return unsignedID(uint64(v))
	case uint32:
		return unsignedID(uint64(v))
	case uint64:
		return unsignedID(v)
	case float32:
		return floatID(float64(v), id)
	case float64:
		return floatID(v, id)
	case json.Number:
		if i, err := strconv.ParseInt(string(v), 10, 64); err == nil {
			return signedID(i)
		}
		if f, err := v.Float64(); err == nil {
			return floatID(f, id)
		}
	}

	return nil, errors.NewInvalidIdentifierError(id)
}

func signedID(i int64) (any, error) {
	if i < 0 {
		return nil, errors.NewInvalidIdentifierError(i)
	}
	return i, nil
}

func unsignedID(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, errors.NewInvalidIdentifierError(u)
	}
	return int64(u), nil
}

func floatID(f float64, original any) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f != math.Trunc(f) || f >= math.MaxInt64 {
		return nil, errors.NewInvalidIdentifierError(original)
	}
	return int64(f), nil
}

// sameValue reports whether a and b are indistinguishable. Numbers compare by
// value whatever their Go type, NaN equals NaN and +0 and -0 differ. Maps,
// slices, pointers, channels and funcs are compared by identity and any other
// value with ==.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if same, ok := sameNumber(a, b); ok {
		return same
	}

	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}

	switch va.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	}

	if !va.Type().Comparable() {
		return reflect.DeepEqual(a, b)
	}

	return safeEquals(a, b)
}

type numberKind int

const (
	notANumber numberKind = iota
	signedNumber
	unsignedNumber
	floatNumber
)

func kindOfNumber(v reflect.Value) numberKind {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return signedNumber
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return unsignedNumber
	case reflect.Float32, reflect.Float64:
		return floatNumber
	}
	return notANumber
}

// sameNumber compares a and b by value if both are numbers. The int 4 and
// the float64 4 decoded from json are the same value. ok is false if either
// is not a number.
func sameNumber(a, b any) (same, ok bool) {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	ka, kb := kindOfNumber(va), kindOfNumber(vb)
	if ka == notANumber || kb == notANumber {
		return false, false
	}

	if ka > kb {
		va, vb = vb, va
		ka, kb = kb, ka
	}

	switch {
	case ka == floatNumber:
		return sameFloat(va.Float(), vb.Float()), true
	case kb == floatNumber:
		f := vb.Float()
		if ka == signedNumber {
			return f == float64(va.Int()) && !math.Signbit(f), true
		}
		return f == float64(va.Uint()) && !math.Signbit(f), true
	case ka == signedNumber && kb == signedNumber:
		return va.Int() == vb.Int(), true
	case ka == signedNumber:
		return va.Int() >= 0 && uint64(va.Int()) == vb.Uint(), true
	}

	return va.Uint() == vb.Uint(), true
}

func sameFloat(x, y float64) bool {
	if math.IsNaN(x) && math.IsNaN(y) {
		return true
	}
	return x == y && math.Signbit(x) == math.Signbit(y)
}

// safeEquals guards against comparable types holding incomparable values in
// interface fields, which make == panic.
func safeEquals(a, b any) (equal bool) {
	defer func() {
		if recover() != nil {
			equal = reflect.DeepEqual(a, b)
		}
	}()
	return a == b
}

func compareIDs(a, b any) int {
	rank := func(v any) int {
		switch v.(type) {
		case int64:
			return 0
		case string:
			return 1
		}
		return 2
	}

	if ra, rb := rank(a), rank(b); ra != rb {
		return cmp.Compare(ra, rb)
	}

	switch x := a.(type) {
	case int64:
		return cmp.Compare(x, b.(int64))
	case string:
		return cmp.Compare(x, b.(string))
	}

	return 0
}

// CompareIDs orders identifiers ascending: numbers before strings, numbers
// numerically, strings lexically, and nil (new entities) last.
func CompareIDs(a, b any) int {
	na, errA := NormalizeID(a)
	nb, errB := NormalizeID(b)
	if errA != nil {
		na = nil
	}
	if errB != nil {
		nb = nil
	}
	return compareIDs(na, nb)
}
