package template

import (
	"context"

	"github.com/ehr/ehr-migrate/internal/migration"
)

// Immunization loads historical immunization statements as commands on the
// patient's historical data note.
//
// Rows without a CVX code still load; the statement carries the free text
// with an unstructured coding so nothing is silently dropped.
type Immunization struct {
	deps Deps
}

// NewImmunization returns the immunization strategy.
func NewImmunization(deps Deps) *Immunization {
	return &Immunization{deps: deps}
}

func (i *Immunization) Resource() string { return "immunization" }

func (i *Immunization) Headers() []string {
	return []string{
		"ID",
		"Patient Identifier",
		"Date Performed",
		"Immunization Text",
		"CVX Code",
		"Comment",
	}
}

func (i *Immunization) Rules() migration.FieldRules {
	return migration.FieldRules{
		"ID":                 {migration.Required},
		"Patient Identifier": {migration.Required},
		"Date Performed":     {migration.Required, migration.Date},
		"Immunization Text":  {migration.Required},
	}
}

func (i *Immunization) IDField() string      { return "ID" }
func (i *Immunization) PatientField() string { return "Patient Identifier" }

func (i *Immunization) Prepare(ctx context.Context, row migration.Row) (*migration.Prepared, error) {
	patientKey, err := i.deps.Maps.Resolve(migration.KindPatient, row["Patient Identifier"])
	if err != nil {
		return nil, migration.IgnoreRow("no patient map with %s", row["Patient Identifier"])
	}
	noteKey, err := i.deps.Notes.Get(ctx, patientKey)
	if err != nil {
		return nil, err
	}

	coding := map[string]interface{}{
		"code":   row["CVX Code"],
		"system": "http://hl7.org/fhir/sid/cvx",
	}
	if row["CVX Code"] == "" {
		coding = map[string]interface{}{"code": "", "system": "UNSTRUCTURED"}
	}

	payload := map[string]interface{}{
		"schemaKey": "immunizationStatement",
		"noteKey":   noteKey,
		"values": map[string]interface{}{
			"date": map[string]interface{}{
				"date":  row["Date Performed"],
				"input": row["Date Performed"],
			},
			"comments": row["Comment"],
			"statement": map[string]interface{}{
				"text":        row["Immunization Text"],
				"extra":       map[string]interface{}{"coding": coding},
				"value":       row["CVX Code"],
				"annotations": []interface{}{},
				"description": "",
			},
		},
	}

	return &migration.Prepared{
		PatientKey: patientKey,
		Submissions: []migration.Submission{
			{
				Payload: payload,
				Finalize: func(ctx context.Context, key string) error {
					return i.deps.API.CommitCommand(ctx, key)
				},
			},
		},
	}, nil
}

func (i *Immunization) Submit(ctx context.Context, sub migration.Submission) (string, error) {
	return i.deps.API.CreateCommand(ctx, sub.Payload)
}
