package utils

import (
	"strings"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/unicode/norm"
)

// overflowPrefix is prepended to the name of a list to title its overflow list
const overflowPrefix = "More "

// NormalizeTitle NFC-normalizes a title and collapses its whitespace
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(norm.NFC.String(title)), " ")
}

// OverflowTitle returns the title of the list that receives rows spilled from
// a list named name
func OverflowTitle(name string) string {
	return NormalizeTitle(overflowPrefix + name)
}

// TitleDistance returns the edit distance between two titles, ignoring case
// and Unicode normalization differences
func TitleDistance(a, b string) int {
	return levenshtein.ComputeDistance(
		strings.ToLower(NormalizeTitle(a)),
		strings.ToLower(NormalizeTitle(b)),
	)
}

// ClosestTitle returns the index of the candidate nearest to title, or -1 if
// none is within maxDistance. Ties go to the earlier candidate.
func ClosestTitle(title string, candidates []string, maxDistance int) int {
	best, bestDist := -1, maxDistance+1
	for i, c := range candidates {
		if d := TitleDistance(title, c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
