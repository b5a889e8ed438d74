package config

import (
	"fmt"

	cohorterrors "github.com/alexisbeaulieu97/cohort/pkg/errors"
)

// ValidateSpecification performs schema and cross-field validation. Checks
// that depend on the expanded graph (eligible subjects, quorum, asset
// manifest coverage) happen in the graph builder.
func ValidateSpecification(spec *Specification) error {
	if spec == nil {
		return cohorterrors.NewSpecificationError("specification", "specification is nil", nil)
	}

	v := validatorInstance()
	if err := v.Struct(spec); err != nil {
		return convertValidationError(err)
	}

	subjects := make(map[string]struct{}, len(spec.Dataset.Subjects))
	for i, subject := range spec.Dataset.Subjects {
		if _, exists := subjects[subject.ID]; exists {
			return cohorterrors.NewSpecificationError(fieldForSubject(i, "id"), fmt.Sprintf("duplicate subject id %q", subject.ID), nil)
		}
		subjects[subject.ID] = struct{}{}

		if err := validateSessions(i, subject); err != nil {
			return err
		}
	}

	analyses := make(map[string]struct{}, len(spec.Analyses))
	for i, analysis := range spec.Analyses {
		if _, exists := analyses[analysis.Name]; exists {
			return cohorterrors.NewSpecificationError(fieldForAnalysis(i, "name"), fmt.Sprintf("duplicate analysis name %q", analysis.Name), nil)
		}
		analyses[analysis.Name] = struct{}{}

		if analysis.Level == LevelGroupLevel && analysis.From == "" {
			return cohorterrors.NewSpecificationError(fieldForAnalysis(i, "from"), "group_level analysis requires a first_level source", nil)
		}
		if analysis.Level != LevelGroupLevel && analysis.From != "" {
			return cohorterrors.NewSpecificationError(fieldForAnalysis(i, "from"), fmt.Sprintf("only group_level analyses may set from (level %s)", analysis.Level), nil)
		}
	}

	resources := make(map[string]struct{}, len(spec.Resources))
	for i, res := range spec.Resources {
		id := res.Key + "@" + res.Version
		if _, exists := resources[id]; exists {
			return cohorterrors.NewSpecificationError(fmt.Sprintf("resources[%d]", i), fmt.Sprintf("duplicate resource %s", id), nil)
		}
		resources[id] = struct{}{}
	}

	return nil
}

func validateSessions(subjectIndex int, subject Subject) error {
	sessions := make(map[string]struct{}, len(subject.Sessions))
	for j, session := range subject.Sessions {
		if _, exists := sessions[session.ID]; exists {
			return cohorterrors.NewSpecificationError(fieldForSubject(subjectIndex, fmt.Sprintf("sessions[%d].id", j)), fmt.Sprintf("duplicate session id %q", session.ID), nil)
		}
		sessions[session.ID] = struct{}{}

		runs := make(map[string]struct{}, len(session.Tasks))
		for k, run := range session.Tasks {
			id := run.Task + "/" + run.Run
			if _, exists := runs[id]; exists {
				return cohorterrors.NewSpecificationError(fieldForSubject(subjectIndex, fmt.Sprintf("sessions[%d].tasks[%d]", j, k)), fmt.Sprintf("duplicate task run %q", id), nil)
			}
			runs[id] = struct{}{}
		}
	}
	return nil
}
