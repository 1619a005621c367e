package models

import "github.com/go-playground/validator/v10"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the validate tags of a payload or request body. Failures
// are validator.ValidationErrors.
func Validate(v any) error {
	return validate.Struct(v)
}
