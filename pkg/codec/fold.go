package codec

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Folder lowercases strings for a case-insensitive index, honoring the
// index locale. Only case folding is applied; no further collation.
type Folder struct {
	caser cases.Caser
}

// NewFolder builds a Folder for a BCP 47 locale tag. Unknown or empty
// tags fall back to the und locale.
func NewFolder(locale string) *Folder {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.Und
	}
	return &Folder{caser: cases.Lower(tag)}
}

// Fold returns the lowercased form of s.
func (f *Folder) Fold(s string) string {
	return f.caser.String(s)
}
