package fn

// Reducer represents a function that takes an accumulator and a value, then
// returns a new accumulator.
type Reducer[T, V any] func(accum T, value V) T

// Reduce takes a slice of something and a reducer, and produces a final
// accumulated value.
func Reduce[T any, V any, S []V](s S, f Reducer[T, V]) T {
	var accum T

	for _, x := range s {
		accum = f(accum, x)
	}

	return accum
}

// Map applies the given mapping function to each element of the given slice
// and generates a new slice.
func Map[I, O any, S []I](s S, f func(I) O) []O {
	output := make([]O, len(s))

	for i, x := range s {
		output[i] = f(x)
	}

	return output
}

// MapErr applies the given fallible mapping function to each element of the
// given slice and generates a new slice. This is identical to Map, but
// returns early if any single mapping fails.
func MapErr[I, O any, S []I](s S, f func(I) (O, error)) ([]O, error) {
	output := make([]O, len(s))
	var err error

	for i, x := range s {
		output[i], err = f(x)
		if err != nil {
			return nil, err
		}
	}

	return output, nil
}

// Filter applies the given predicate function to each element of the given
// slice and generates a new slice containing only the elements for which the
// predicate returned true.
func Filter[T any](s []T, f func(T) bool) []T {
	output := make([]T, 0, len(s))

	for _, x := range s {
		if f(x) {
			output = append(output, x)
		}
	}

	return output
}

// All returns true if the given predicate evaluates to true for all of the
// elements in the given slice.
func All[T any](s []T, f func(T) bool) bool {
	for _, x := range s {
		if !f(x) {
			return false
		}
	}

	return true
}
