package validator

import (
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// Validate - общий экземпляр валидатора, потокобезопасен и кэширует разбор тегов
	Validate *validator.Validate

	pgIdentRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)
)

func init() {
	Validate = validator.New()

	_ = Validate.RegisterValidation("rfc3339_optional", validateRFC3339Optional)
	_ = Validate.RegisterValidation("pg_ident", validatePgIdent)
}

// validateRFC3339Optional проверяет RFC3339 дату, но разрешает пустую строку
func validateRFC3339Optional(fl validator.FieldLevel) bool {
	dateStr := fl.Field().String()
	if dateStr == "" {
		return true
	}
	_, err := time.Parse(time.RFC3339, dateStr)
	return err == nil
}

// validatePgIdent пропускает только имена, которые можно без кавычек подставить в LISTEN/NOTIFY.
func validatePgIdent(fl validator.FieldLevel) bool {
	return pgIdentRe.MatchString(fl.Field().String())
}
