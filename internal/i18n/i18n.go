// Package i18n picks the message printer the CLI formats numbers with.
package i18n

import (
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language
var DefaultLang = language.English

// SupportedLangs are the languages we support
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

// MatchLanguage returns the supported language closest to a list of
// preferences such as "de-DE,de;q=0.9".
func MatchLanguage(prefs string) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(prefs)
	tag, _, _ := matcher.Match(tags...)
	return tag
}

// localeLang turns a POSIX locale such as "de_DE.UTF-8" into "de-DE".
func localeLang(locale string) string {
	if i := strings.IndexAny(locale, ".@"); i != -1 {
		locale = locale[:i]
	}
	if locale == "C" || locale == "POSIX" {
		return ""
	}
	return strings.ReplaceAll(locale, "_", "-")
}

// NewCLIPrinter returns a printer for the system's locale (from env vars)
func NewCLIPrinter() *message.Printer {
	lang := os.Getenv("LC_ALL")
	if lang == "" {
		lang = os.Getenv("LANG")
	}
	if lang = localeLang(lang); lang == "" {
		return message.NewPrinter(DefaultLang)
	}
	return message.NewPrinter(MatchLanguage(lang))
}
