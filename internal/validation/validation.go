// Package validation adapts go-playground/validator/v10 to Echo's
// Validator interface so handlers can call c.Validate on bound
// request bodies.
package validation

import "github.com/go-playground/validator/v10"

// EchoValidator implements echo.Validator.
type EchoValidator struct {
	v *validator.Validate
}

// New constructs an EchoValidator backed by a fresh validator instance.
func New() *EchoValidator {
	return &EchoValidator{v: validator.New()}
}

// Validate runs struct-tag validation over i.
func (ev *EchoValidator) Validate(i any) error {
	return ev.v.Struct(i)
}
