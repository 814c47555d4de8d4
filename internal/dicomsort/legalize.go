package dicomsort

import (
	"regexp"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var illegalName = regexp.MustCompile(`[^A-Za-z0-9._()\[\]-]`)

// Legalize makes s safe as a file or directory name. Accents are folded to
// their base letters; any other character outside [A-Za-z0-9._()[]-] becomes
// an underscore.
func Legalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return illegalName.ReplaceAllString(folded, "_")
}
