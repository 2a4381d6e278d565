// internal/lockers/messages.go
package lockers

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const (
	msgGrantDeposit = "grant.deposit"
	msgGrantPickup  = "grant.pickup"
	msgEventSaved   = "event.saved"
	msgLockerNew    = "locker.registered"
	msgLockerUpdate = "locker.updated"
)

var supported = []language.Tag{language.Spanish, language.English}

var matcher = language.NewMatcher(supported)

var messages = func() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.Spanish))
	set := func(tag language.Tag, key, msg string) {
		_ = b.SetString(tag, key, msg)
	}
	set(language.Spanish, msgGrantDeposit, "Acceso concedido para depositar artículo")
	set(language.Spanish, msgGrantPickup, "Acceso concedido para recoger artículo")
	set(language.Spanish, msgEventSaved, "Evento registrado correctamente")
	set(language.Spanish, msgLockerNew, "Casillero registrado")
	set(language.Spanish, msgLockerUpdate, "Casillero actualizado")

	set(language.English, msgGrantDeposit, "Access granted to deposit item")
	set(language.English, msgGrantPickup, "Access granted to pick up item")
	set(language.English, msgEventSaved, "Event recorded")
	set(language.English, msgLockerNew, "Locker registered")
	set(language.English, msgLockerUpdate, "Locker updated")
	return b
}()

// printerFor picks Spanish or English from an Accept-Language header.
// Spanish is the default.
func printerFor(acceptLanguage string) *message.Printer {
	tag := language.Spanish
	if acceptLanguage != "" {
		if tags, _, err := language.ParseAcceptLanguage(acceptLanguage); err == nil && len(tags) > 0 {
			_, idx, conf := matcher.Match(tags...)
			if conf != language.No {
				tag = supported[idx]
			}
		}
	}
	return message.NewPrinter(tag, message.Catalog(messages))
}

func grantMessage(p *message.Printer, action Action) string {
	if action == ActionDonate {
		return p.Sprintf(msgGrantDeposit)
	}
	return p.Sprintf(msgGrantPickup)
}
