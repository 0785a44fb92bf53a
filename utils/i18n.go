package utils

import (
	"embed"
	"io/fs"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.toml
var localeFS embed.FS

var (
	// Bundle is the global translation bundle
	Bundle *i18n.Bundle
	// Localizer is the default localizer
	Localizer *i18n.Localizer

	// SupportedLanguages is what the locale middleware may pick from
	SupportedLanguages = []language.Tag{language.English, language.Japanese}

	languageMatcher = language.NewMatcher(SupportedLanguages)
)

func init() {
	// Usable before InitI18n runs (tests, early errors)
	Bundle = i18n.NewBundle(language.English)
	Localizer = i18n.NewLocalizer(Bundle, language.English.String())
}

// InitI18n loads the embedded locale files
func InitI18n() error {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	files, err := fs.Glob(localeFS, "locales/*.toml")
	if err != nil {
		return err
	}
	for _, name := range files {
		data, err := localeFS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := bundle.ParseMessageFileBytes(data, name); err != nil {
			Log.Warn("Failed to load locale %s: %v", name, err)
		}
	}

	Bundle = bundle
	Localizer = i18n.NewLocalizer(Bundle, language.English.String())

	Log.Debug("i18n system initialized with %d locale files", len(files))
	return nil
}

// MatchLanguage picks the best supported language for the given preferences,
// which may be plain tags or Accept-Language values. Falls back to English.
func MatchLanguage(preferences ...string) string {
	tag, _ := language.MatchStrings(languageMatcher, preferences...)
	base, _ := tag.Base()
	return base.String()
}

// GetLocalizer returns a localizer for the specified language
func GetLocalizer(lang string) *i18n.Localizer {
	if lang == "" {
		lang = "en"
	}
	return i18n.NewLocalizer(Bundle, lang)
}

// T translates a message ID, falling back to the ID itself
func T(localizer *i18n.Localizer, messageID string) string {
	if localizer == nil {
		localizer = Localizer
	}
	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID: messageID,
	})
	if err != nil {
		Log.Debug("Translation error for '%s': %v", messageID, err)
		return messageID
	}
	return msg
}
