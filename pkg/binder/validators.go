package binder

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var bookIDRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// bookIDValidator accepts platform book IDs, which end up in request paths
// and cache keys.
func bookIDValidator(fl validator.FieldLevel) bool {
	return bookIDRE.MatchString(fl.Field().String())
}
