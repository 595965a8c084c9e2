package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"tiergate/internal/types"
)

// Validator wraps go-playground/validator with the domain tags used by
// request bodies:
//
//	tier  - a known types.SubscriptionTier
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator and registers the custom tags. Field
// names in errors use the json tag.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	if err := v.RegisterValidation("tier", validateTier); err != nil {
		panic(fmt.Sprintf("core: register tier validation: %v", err))
	}
	return &Validator{validate: v, logger: logger}
}

func validateTier(fl validator.FieldLevel) bool {
	return types.SubscriptionTier(fl.Field().String()).Valid()
}

// ValidateStruct validates s and converts failures into an AppError. A
// failed tier tag yields validation_invalid_tier; a missing required field
// yields validation_missing_required_field; anything else is reported as
// invalid JSON input with per-field details.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		if v.logger != nil {
			v.logger.Error("validator misuse", "error", err)
		}
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	fields := make(map[string]any, len(verrs))
	code := types.ErrCodeValidationInvalidJSON
	first := verrs[0]
	msg := fmt.Sprintf("field %q failed %q validation", first.Field(), first.Tag())
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
		switch fe.Tag() {
		case "tier":
			code = types.ErrCodeValidationInvalidTier
			msg = fmt.Sprintf("unknown subscription tier %q", fe.Value())
		case "required":
			if code == types.ErrCodeValidationInvalidJSON {
				code = types.ErrCodeValidationMissingField
			}
		}
	}

	return types.NewAppErrorWithDetails(code, msg, err, map[string]any{"fields": fields})
}
