// Package textutils provides small string and rune constants shared across
// the rest of the packages in this module, so none of them have to repeat
// string literals for characters with special meaning to a parser.
package textutils

const (
	EmptyStr      = ""
	NewLineString = "\n"
	WhiteSpaceStr = " "
	TabStr        = "\t"
	ColonStr      = ":"
	PeriodStr     = "."
	ForwardSlashStr = "/"
	SemiColonStr  = ";"
	EqualStr      = "="
	CommaStr      = ","
)

const (
	ForwardSlashChar = '/'
	PeriodChar       = '.'
	TabChar          = '\t'
)
