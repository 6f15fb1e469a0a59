package util

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// ValidationError descreve a primeira regra violada.
type ValidationError struct {
	Field   string
	Rule    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// mensagens usam o nome JSON do campo
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("fecha", func(fl validator.FieldLevel) bool {
		_, ok := ParseFecha(fl.Field().String())
		return ok
	})
	return v
}

// RegisterValidation adiciona uma regra nomeada. Chamar apenas em init.
func RegisterValidation(tag string, fn validator.Func) {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		panic(err)
	}
}

// ValidateStruct aplica as tags `validate` e devolve *ValidationError com a
// primeira violação.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: fe.Field(), Rule: fe.Tag(), Message: message(fe)}
	}
	return err
}

func message(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " obrigatório"
	case "min":
		return fmt.Sprintf("%s deve ter pelo menos %s caracteres", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s deve ter no máximo %s caracteres", field, fe.Param())
	case "email":
		return "email inválido"
	case "fecha":
		return field + " deve ser uma data válida (AAAA-MM-DD)"
	case "oneof":
		return fmt.Sprintf("%s deve ser um de: %s", field, fe.Param())
	default:
		return field + " inválido"
	}
}

// ParseFecha aceita RFC3339 ou AAAA-MM-DD.
func ParseFecha(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// ValidateEmail retorna erro para e-mails inválidos.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return &ValidationError{Field: "email", Rule: "required", Message: "email obrigatório"}
	}
	if err := validate.Var(email, "email"); err != nil {
		return &ValidationError{Field: "email", Rule: "email", Message: "email inválido"}
	}
	return nil
}

// ValidatePassword verifica requisitos mínimos de senha.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return &ValidationError{Field: "senha", Rule: "min", Message: "senha deve ter pelo menos 8 caracteres"}
	}
	return nil
}

// Truncate corta s em no máximo n runas.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
