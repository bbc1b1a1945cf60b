package dfault

import "reflect"

// MaxChainDepth bounds how many causes [Chain] will walk.
// It catches loops through errors that cannot be compared for identity.
const MaxChainDepth = 64

// Chain returns err followed by its successive causes.
//
// Causes are found through Unwrap() error,
// or the first element of Unwrap() []error.
//
// If the chain loops back on itself,
// or is longer than [MaxChainDepth],
// the walk stops and cyclic is true.
// The last element of the returned slice is then the cause
// at which the loop was detected,
// which callers should treat as the root.
func Chain(err error) (chain []error, cyclic bool) {
	if err == nil {
		return nil, false
	}

	chain = append(chain, err)

	// Floyd's cycle detection: slow advances every other step.
	slow := err
	advanceSlow := false

	cur := err
	for {
		next := unwrapOne(cur)
		if next == nil {
			return chain, false
		}
		cur = next

		if sameError(cur, slow) {
			return chain, true
		}

		chain = append(chain, cur)
		if len(chain) > MaxChainDepth {
			return chain, true
		}

		if advanceSlow {
			slow = unwrapOne(slow)
		}
		advanceSlow = !advanceSlow
	}
}

// RootCause returns the innermost cause of err.
// See [Chain] for the handling of cyclic chains.
func RootCause(err error) (root error, cyclic bool) {
	chain, cyclic := Chain(err)
	if len(chain) == 0 {
		return nil, false
	}
	return chain[len(chain)-1], cyclic
}

func unwrapOne(err error) error {
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return u.Unwrap()
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if e != nil {
				return e
			}
		}
	}
	return nil
}

// sameError reports whether a and b are the same pointer error.
// Value errors are never considered the same:
// comparing them may panic if they hold incomparable fields,
// so loops through them are left to the depth bound.
func sameError(a, b error) bool {
	if a == nil || b == nil {
		return false
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || ta.Kind() != reflect.Pointer {
		return false
	}
	return a == b
}
