package validator

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
)

// Validator instance
var validate *validator.Validate

// Kenyan mobile numbers in 07.., 01.., 2547.., +2541.. forms
var phonePattern = regexp.MustCompile(`^(\+?254|0)?[17]\d{8}$`)

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func registerCustomValidations() {
	validate.RegisterValidation("payment_method", func(fl validator.FieldLevel) bool {
		return ledger.PaymentMethod(fl.Field().String()).IsValid()
	})

	validate.RegisterValidation("termination_cause", func(fl validator.FieldLevel) bool {
		return ledger.TerminationCause(fl.Field().String()).IsValid()
	})

	validate.RegisterValidation("msisdn", func(fl validator.FieldLevel) bool {
		phone := strings.ReplaceAll(fl.Field().String(), " ", "")
		return phonePattern.MatchString(phone)
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	errors := make(map[string]string)
	for _, err := range err.(validator.ValidationErrors) {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errors[field] = "This field is required"
		case "uuid":
			errors[field] = "Invalid ID format"
		case "min":
			errors[field] = "Value is too short (min: " + err.Param() + ")"
		case "max":
			errors[field] = "Value is too long (max: " + err.Param() + ")"
		case "gte":
			errors[field] = "Value must be at least " + err.Param()
		case "lte":
			errors[field] = "Value must be at most " + err.Param()
		case "payment_method":
			errors[field] = "Invalid payment method. Must be: wallet, push-payment, or voucher"
		case "termination_cause":
			errors[field] = "Invalid cause. Must be: user-request, data-limit-exceeded, plan-expired, or admin-action"
		case "msisdn":
			errors[field] = "Invalid phone number"
		case "required_if", "required_unless":
			errors[field] = "This field is required for the selected method"
		default:
			errors[field] = "Invalid value"
		}
	}

	return errors
}
