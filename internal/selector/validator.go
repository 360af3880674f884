package selector

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"rentsync/pkg/logger"
	"rentsync/pkg/model"

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
	var messages []string
	for _, err := range v {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %d error(s): [%s]", len(v), strings.Join(messages, "; "))
}

// rangeSelection is the shape checked before a range is sent to the backend.
type rangeSelection struct {
	Start   model.Date
	End     model.Date
	Days    int
	MinDays int `validate:"min=1"`
	MaxDays int `validate:"gtefield=MinDays"`
}

type RangeValidator struct {
	validate *validator.Validate
	logger   *logger.Logger
}

func NewRangeValidator(log *logger.Logger) *RangeValidator {
	v := validator.New()
	v.RegisterStructValidation(validateRangeSelection, rangeSelection{})

	return &RangeValidator{
		validate: v,
		logger:   log,
	}
}

func validateRangeSelection(sl validator.StructLevel) {
	s := sl.Current().Interface().(rangeSelection)

	if s.Start.IsZero() {
		sl.ReportError(s.Start, "Start", "start_date", "required", "")
		return
	}
	if s.End.IsZero() {
		sl.ReportError(s.End, "End", "end_date", "required", "")
		return
	}
	if !s.End.After(s.Start) {
		sl.ReportError(s.End, "End", "end_date", "after_start", s.Start.String())
		return
	}
	if s.Days < s.MinDays {
		sl.ReportError(s.Days, "Days", "days", "min_days", strconv.Itoa(s.MinDays))
	}
	if s.Days > s.MaxDays {
		sl.ReportError(s.Days, "Days", "days", "max_days", strconv.Itoa(s.MaxDays))
	}
}

// Validate checks that r is ordered and that its inclusive day count lies
// within [minDays, maxDays].
func (v *RangeValidator) Validate(r model.DateRange, minDays, maxDays int) error {
	selection := rangeSelection{
		Start:   r.Start,
		End:     r.End,
		MinDays: minDays,
		MaxDays: maxDays,
	}
	if !r.Start.IsZero() && !r.End.IsZero() {
		selection.Days = r.Days()
	}

	if err := v.validate.Struct(selection); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return v.translateValidationErrors(validationErrs)
		}
		return err
	}
	return nil
}

func (v *RangeValidator) translateValidationErrors(errs validator.ValidationErrors) ValidationErrors {
	var validationErrors ValidationErrors

	for _, err := range errs {
		message := err.Error()

		switch err.Tag() {
		case "required":
			message = fmt.Sprintf("%s is required", err.Field())
		case "after_start":
			message = fmt.Sprintf("end_date must be after start_date %s", err.Param())
		case "min_days":
			message = fmt.Sprintf("rental must be at least %s day(s), got %v", err.Param(), err.Value())
		case "max_days":
			message = fmt.Sprintf("rental must be at most %s day(s), got %v", err.Param(), err.Value())
		case "min":
			message = fmt.Sprintf("%s must be at least %s", err.Field(), err.Param())
		case "gtefield":
			message = fmt.Sprintf("%s must be greater than or equal to %s", err.Field(), err.Param())
		}

		validationErrors = append(validationErrors, ValidationError{
			Field:   err.Field(),
			Message: message,
		})
	}

	return validationErrors
}
