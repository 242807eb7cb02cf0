package validator

import (
	"errors"
	"fmt"
	"passkeeper/pkg/logger"
	"passkeeper/pkg/model"
	"strings"

	"github.com/go-playground/validator/v10"
)

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	messages := make([]string, 0, len(v))
	for _, err := range v {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %d error(s): [%s]", len(v), strings.Join(messages, "; "))
}

type ReservationValidator struct {
	validate *validator.Validate
	log      *logger.Logger
}

func NewReservationValidator(log *logger.Logger) *ReservationValidator {
	return &ReservationValidator{
		validate: validator.New(),
		log:      log,
	}
}

func (v *ReservationValidator) ValidateRequest(req *model.ReservationRequest) error {
	if err := v.validate.Struct(req); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return v.translate(validationErrs)
		}
		return err
	}

	if req.Start.IsZero() || req.End.IsZero() {
		return ValidationErrors{{
			Field:   "Start",
			Message: "start and end are required",
		}}
	}

	return nil
}

func (v *ReservationValidator) ValidateProfile(profile *model.UserProfile) error {
	if err := v.validate.Struct(profile); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return v.translate(validationErrs)
		}
		return err
	}
	return nil
}

func (v *ReservationValidator) translate(errs validator.ValidationErrors) ValidationErrors {
	out := make(ValidationErrors, 0, len(errs))
	for _, fe := range errs {
		var msg string
		switch fe.Tag() {
		case "required":
			msg = "is required"
		case "min":
			msg = fmt.Sprintf("must be at least %s characters", fe.Param())
		case "max":
			msg = fmt.Sprintf("must be at most %s characters", fe.Param())
		case "gtfield":
			msg = fmt.Sprintf("must be after %s", fe.Param())
		default:
			msg = fmt.Sprintf("failed %s validation", fe.Tag())
		}
		out = append(out, ValidationError{Field: fe.Field(), Message: msg})
	}
	return out
}
