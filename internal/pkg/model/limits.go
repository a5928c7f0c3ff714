package model

// Limit sentinels, shared by association and QOS limit vectors. A limit
// column is unset at zero (the schema default) and Infinite when
// explicitly unlimited; anything else is an enforced value. NoVal marks
// fields a modify request leaves untouched.
const (
	NoVal32    uint32 = 0xfffffffe
	Infinite32 uint32 = 0xffffffff
	NoVal64    uint64 = 0xfffffffffffffffe
	Infinite64 uint64 = 0xffffffffffffffff
)

// LimitSet reports whether v is an enforced limit (neither unset nor infinite).
func LimitSet(v int64) bool {
	return v > 0 && uint64(v) != NoVal64 && uint64(v) != Infinite64
}

// MinLimit folds b into a: the result is the tighter of the two, treating
// unset/infinite as "no constraint".
func MinLimit(a, b int64) int64 {
	if !LimitSet(b) {
		return a
	}
	if !LimitSet(a) || b < a {
		return b
	}
	return a
}
