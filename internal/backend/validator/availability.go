package validator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"rentsync/pkg/logger"
	"rentsync/pkg/model"

	"github.com/go-playground/validator/v10"
)

// MaxRangeDays bounds a single check or hold.
const MaxRangeDays = 366

var resourceIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

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
	var messages []string
	for _, err := range v {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %d error(s): [%s]", len(v), strings.Join(messages, "; "))
}

type resourceKey struct {
	ResourceID string `validate:"required,resource_id"`
}

type AvailabilityValidator struct {
	validate *validator.Validate
	logger   *logger.Logger
}

func NewAvailabilityValidator(log *logger.Logger) *AvailabilityValidator {
	v := validator.New()

	if err := v.RegisterValidation("resource_id", validateResourceID); err != nil {
		log.Fatal("Failed to register 'resource_id' validator",
			"error", err,
		)
	}

	log.Debug("Availability validator initialized successfully")

	return &AvailabilityValidator{
		validate: v,
		logger:   log,
	}
}

func validateResourceID(fl validator.FieldLevel) bool {
	return resourceIDRegex.MatchString(fl.Field().String())
}

func (v *AvailabilityValidator) ValidateResourceID(id string) error {
	return v.structErrors(resourceKey{ResourceID: id})
}

func (v *AvailabilityValidator) ValidateRange(r model.DateRange) error {
	if err := r.Validate(); err != nil {
		field := "EndDate"
		if errors.Is(err, model.ErrMissingDate) {
			field = "DateRange"
		}
		return ValidationErrors{{Field: field, Message: err.Error()}}
	}
	if days := r.Days(); days > MaxRangeDays {
		return ValidationErrors{{
			Field:   "DateRange",
			Message: fmt.Sprintf("range spans %d days, at most %d allowed", days, MaxRangeDays),
		}}
	}
	return nil
}

func (v *AvailabilityValidator) ValidateLockRequest(req *model.LockRequest) error {
	if err := v.structErrors(req); err != nil {
		return err
	}
	return v.ValidateRange(req.DateRange)
}

func (v *AvailabilityValidator) ValidateUpdate(update *model.ResourceUpdate) error {
	if err := v.structErrors(update); err != nil {
		return err
	}
	if update.Status == nil && update.BookedDates == nil && len(update.AddBooked) == 0 && len(update.RemoveBooked) == 0 {
		return ValidationErrors{{Field: "ResourceUpdate", Message: "at least one field must be set"}}
	}
	return nil
}

func (v *AvailabilityValidator) structErrors(s any) error {
	if err := v.validate.Struct(s); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return v.translateValidationErrors(validationErrs)
		}
		return err
	}
	return nil
}

func (v *AvailabilityValidator) translateValidationErrors(errs validator.ValidationErrors) ValidationErrors {
	var result ValidationErrors

	for _, err := range errs {
		var message string

		switch err.Tag() {
		case "required":
			message = "is required"
		case "max":
			message = fmt.Sprintf("must be at most %s characters", err.Param())
		case "oneof":
			message = fmt.Sprintf("must be one of [%s]", err.Param())
		case "resource_id":
			message = "must be 1-128 letters, digits, '.', '_', ':' or '-'"
		default:
			message = fmt.Sprintf("failed validation: %s", err.Tag())
		}

		result = append(result, ValidationError{
			Field:   err.Field(),
			Message: message,
		})
	}

	return result
}
