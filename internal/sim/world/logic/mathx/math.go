package mathx

// FloorDiv divides rounding toward negative infinity. b must be > 0.
// Same result as (a-(b-1))/b for negative a, without overflowing near math.MinInt.
func FloorDiv(a, b int) int {
	q := a / b
	if a%b < 0 {
		q--
	}
	return q
}

// Mod returns a mod b normalized to [0, b-1]. b must be > 0.
func Mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func AbsInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
