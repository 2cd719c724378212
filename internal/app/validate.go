package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/okian/rolodex/internal/domain/model"
)

// errNoIdentity is reported for records with no name, email or phone.
var errNoIdentity = errors.New("record has no name, email or phone")

// recordValidator checks normalized records before they reach the store.
type recordValidator struct {
	v *validator.Validate
}

func newRecordValidator() *recordValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(identityRule, model.ContactRecord{})
	return &recordValidator{v: v}
}

func identityRule(sl validator.StructLevel) {
	c := sl.Current().Interface().(model.ContactRecord)
	if strings.TrimSpace(c.FullName()) == "" &&
		strings.TrimSpace(c.Email) == "" &&
		strings.TrimSpace(c.Phone) == "" &&
		strings.TrimSpace(c.SecondaryPhone) == "" {
		sl.ReportError(c.Name, "name", "Name", "identity", "")
	}
}

// fieldError names the first offending field of a failed validation.
type fieldError struct {
	Field string
	Err   error
}

// check returns nil for a valid record.
func (rv *recordValidator) check(c model.ContactRecord) *fieldError {
	err := rv.v.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &fieldError{Err: err}
	}
	fe := verrs[0]
	if fe.Tag() == "identity" {
		return &fieldError{Err: errNoIdentity}
	}
	msg := fmt.Sprintf("field %s failed %q", fe.Field(), fe.Tag())
	if fe.Param() != "" {
		msg += fmt.Sprintf(" (%s)", fe.Param())
	}
	return &fieldError{Field: fe.Field(), Err: errors.New(msg)}
}
