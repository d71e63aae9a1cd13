package logger

import (
	"strings"
	"unicode/utf8"
)

var sensitive = map[string]struct{}{
	"authorization":       {},
	"x-api-key":           {},
	"x-request-signature": {},
	"cookie":              {},
	"set-cookie":          {},
}

// MaskValue keeps the first and last rune of v and masks the middle.
func MaskValue(v string) string {
	if v == "" {
		return ""
	}
	l := utf8.RuneCountInString(v)
	if l <= 2 {
		return "<redacted>"
	}
	first, _ := utf8.DecodeRuneInString(v)
	last, _ := utf8.DecodeLastRuneInString(v)
	return string(first) + "*****" + string(last)
}

// RedactHeaderValue masks values of sensitive headers and returns other
// values unchanged.
func RedactHeaderValue(k, v string) string {
	if v == "" {
		return ""
	}
	if _, ok := sensitive[strings.ToLower(k)]; ok {
		return MaskValue(v)
	}
	return v
}
