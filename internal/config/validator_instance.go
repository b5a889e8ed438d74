package config

import (
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/alexisbeaulieu97/cohort/internal/step"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	semverPattern       = regexp.MustCompile(`^\d+\.\d+(?:\.\d+)?(?:-[0-9A-Za-z-.]+)?(?:\+[0-9A-Za-z-.]+)?$`)
	entityIDPattern     = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	analysisNamePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)
)

// validatorInstance configures and returns the shared validator instance used across the config package.
func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
			return semverPattern.MatchString(fl.Field().String())
		})

		// BIDS labels are alphanumeric only.
		_ = v.RegisterValidation("entity_id", func(fl validator.FieldLevel) bool {
			return entityIDPattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("analysis_name", func(fl validator.FieldLevel) bool {
			return analysisNamePattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("step_kind", func(fl validator.FieldLevel) bool {
			kind := step.Kind(fl.Field().String())
			return kind.Valid() && !kind.Internal()
		})

		validateInst = v
	})

	return validateInst
}
