package utils

import (
	"strconv"
	"strings"
)

// CompareVersions compares two semantic versions
// Returns: -1 if v1 < v2, 0 if equal, 1 if v1 > v2
//
// Only used for consent wording (upgrade or downgrade). Whether an agent
// is usable is always an exact string match.
func CompareVersions(v1, v2 string) int {
	core1, pre1 := splitVersion(v1)
	core2, pre2 := splitVersion(v2)

	for i := 0; i < 3; i++ {
		if c := compareInt(core1[i], core2[i]); c != 0 {
			return c
		}
	}

	// a pre-release sorts before the release it precedes
	switch {
	case pre1 == "" && pre2 == "":
		return 0
	case pre1 == "":
		return 1
	case pre2 == "":
		return -1
	}
	return comparePrerelease(pre1, pre2)
}

func splitVersion(v string) ([3]int, string) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}
	pre := ""
	if i := strings.IndexByte(v, '-'); i >= 0 {
		v, pre = v[:i], v[i+1:]
	}

	var core [3]int
	for i, part := range strings.SplitN(v, ".", 3) {
		n, _ := strconv.Atoi(part)
		core[i] = n
	}
	return core, pre
}

func comparePrerelease(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		na, errA := strconv.Atoi(pa[i])
		nb, errB := strconv.Atoi(pb[i])
		switch {
		case errA == nil && errB == nil:
			if c := compareInt(na, nb); c != 0 {
				return c
			}
		case errA == nil:
			return -1
		case errB == nil:
			return 1
		default:
			if c := strings.Compare(pa[i], pb[i]); c != 0 {
				return c
			}
		}
	}
	return compareInt(len(pa), len(pb))
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
