package entitysets

import (
	"cmp"
	"fmt"
	"reflect"

	"github.com/diwise/vertebrate/pkg/entities"
)

// Comparator returns a negative number when a sorts before b, a positive number
// when b sorts before a and zero when their order should be kept.
type Comparator func(a, b *entities.Entity) int

// DefaultComparator sorts by ascending id, numbers before strings and new
// entities last.
func DefaultComparator(a, b *entities.Entity) int {
	return entities.CompareIDs(a.ID(), b.ID())
}

// ByAttribute sorts by ascending value of key. Numbers compare numerically,
// strings lexically, numbers sort before strings and missing values sort last.
func ByAttribute(key string) Comparator {
	return func(a, b *entities.Entity) int {
		return compareValues(a.Get(key), b.Get(key))
	}
}

// Descending reverses the order of a comparator
func Descending(c Comparator) Comparator {
	return func(a, b *entities.Entity) int {
		return c(b, a)
	}
}

func compareValues(a, b any) int {
	rank := func(v any) int {
		switch v.(type) {
		case nil:
			return 3
		case string:
			return 1
		}
		if _, ok := number(v); ok {
			return 0
		}
		return 2
	}

	if ra, rb := rank(a), rank(b); ra != rb {
		return cmp.Compare(ra, rb)
	}

	switch x := a.(type) {
	case nil:
		return 0
	case string:
		return cmp.Compare(x, b.(string))
	}

	if x, ok := number(a); ok {
		y, _ := number(b)
		return cmp.Compare(x, y)
	}

	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func number(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}
