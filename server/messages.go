package server

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const msgSessionExpired = "session_expired"

var supportedLanguages = []language.Tag{
	language.English,
	language.Spanish,
	language.French,
	language.German,
	language.Portuguese,
}

var (
	languageMatcher = language.NewMatcher(supportedLanguages)
	messageCatalog  = buildCatalog()
)

func buildCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for tag, text := range map[language.Tag]string{
		language.English:    "Your session has expired. Please return to the application and sign in again.",
		language.Spanish:    "Su sesión ha caducado. Vuelva a la aplicación e inicie sesión de nuevo.",
		language.French:     "Votre session a expiré. Veuillez revenir à l'application et vous reconnecter.",
		language.German:     "Ihre Sitzung ist abgelaufen. Bitte kehren Sie zur Anwendung zurück und melden Sie sich erneut an.",
		language.Portuguese: "A sua sessão expirou. Volte à aplicação e inicie sessão novamente.",
	} {
		if err := b.SetString(tag, msgSessionExpired, text); err != nil {
			panic(err)
		}
	}
	return b
}

// negotiateLanguage picks the best supported language for an
// Accept-Language header, English when nothing matches.
func negotiateLanguage(acceptLanguage string) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(acceptLanguage)
	_, idx, conf := languageMatcher.Match(tags...)
	if conf == language.No {
		return language.English
	}
	return supportedLanguages[idx]
}

// sessionExpiredMessage returns the localized "restart your login" text.
func sessionExpiredMessage(tag language.Tag) string {
	return message.NewPrinter(tag, message.Catalog(messageCatalog)).Sprintf(msgSessionExpired)
}
