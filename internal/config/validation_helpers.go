package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	cohorterrors "github.com/alexisbeaulieu97/cohort/pkg/errors"
)

// convertValidationError normalizes validator errors into specification errors.
func convertValidationError(err error) error {
	if err == nil {
		return nil
	}

	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		ve := ves[0]
		field := yamlishFieldName(ve)
		msg := fmt.Sprintf("%s failed validation for tag '%s'", field, ve.Tag())
		return cohorterrors.NewSpecificationError(field, msg, err)
	}

	return cohorterrors.NewSpecificationError("specification", err.Error(), err)
}

func yamlishFieldName(fe validator.FieldError) string {
	ns := fe.StructNamespace()
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		// drop the root type name
		parts = parts[1:]
	}
	lowered := make([]string, 0, len(parts))
	for _, part := range parts {
		lowered = append(lowered, strings.ToLower(part))
	}
	return strings.Join(lowered, ".")
}

func fieldForSubject(index int, field string) string {
	return fmt.Sprintf("dataset.subjects[%d].%s", index, field)
}

func fieldForAnalysis(index int, field string) string {
	return fmt.Sprintf("analyses[%d].%s", index, field)
}
