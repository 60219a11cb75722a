package main

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// storeIDTag validates store identifiers.
const storeIDTag = "storeid"

var storeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// validate checks incoming payloads from stores, dashboards and the HTTP API.
var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names for errors instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation(storeIDTag, func(fl validator.FieldLevel) bool {
		return storeIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// validStoreID reports whether id may name a store.
func validStoreID(id string) bool {
	return validate.Var(id, "required,"+storeIDTag) == nil
}

// validationMessage turns a validator error into a short client-facing
// message naming the first offending field.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
