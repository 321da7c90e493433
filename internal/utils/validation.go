package utils

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prefeitura-rio/app-dms/internal/models"
)

var registerOnce sync.Once

// RegisterValidators installs the custom "mobile" tag on gin's validator and makes field
// errors report JSON names. Safe to call more than once.
func RegisterValidators() error {
	var err error
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			err = fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
			return
		}
		RegisterOn(v)
	})
	return err
}

// RegisterOn installs the custom tags on v
func RegisterOn(v *validator.Validate) {
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("mobile", func(fl validator.FieldLevel) bool {
		return IsValidMobile(fl.Field().String())
	})
}

// FieldErrors converts a binding error into client-facing field errors
func FieldErrors(err error) []models.FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []models.FieldError{{Field: "body", Message: "Invalid request body"}}
	}

	out := make([]models.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, models.FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch {
	case fe.Tag() == "mobile":
		return "Please enter a valid mobile number"
	case fe.Field() == "otp" && (fe.Tag() == "len" || fe.Tag() == "required"):
		return "OTP must be 6 digits"
	case fe.Tag() == "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case fe.Tag() == "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case fe.Tag() == "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case fe.Tag() == "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case fe.Tag() == "email":
		return "Please enter a valid email address"
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// HasFieldError reports whether errs rejects field
func HasFieldError(errs []models.FieldError, field string) bool {
	for _, e := range errs {
		if e.Field == field {
			return true
		}
	}
	return false
}
