package template

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehr/ehr-migrate/internal/migration"
)

// noAllergyInfoCode is the allergen code meaning the source chart only
// recorded "no known information"; its display is fixed regardless of what
// the source called it.
const noAllergyInfoCode = "1-143"

// Allergy loads AllergyIntolerance resources through the FHIR create
// endpoint.
//
// Required formats (case insensitive):
//
//	Clinical Status: active, inactive
//	Type: allergy, intolerance
//	Onset Date: MM/DD/YYYY or YYYY-MM-DD
//	Recorded Provider: staff key; defaults to the automation user
type Allergy struct {
	deps Deps
}

// NewAllergy returns the allergy strategy.
func NewAllergy(deps Deps) *Allergy {
	return &Allergy{deps: deps}
}

func (a *Allergy) Resource() string { return "allergy" }

func (a *Allergy) Headers() []string {
	return []string{
		"ID",
		"Patient Identifier",
		"Clinical Status",
		"Type",
		"FDB Code",
		"Name",
		"Onset Date",
		"Free Text Note",
		"Reaction",
		"Recorded Provider",
		"Severity",
		"Original Name",
	}
}

func (a *Allergy) Rules() migration.FieldRules {
	return migration.FieldRules{
		"ID":                 {migration.Required},
		"Patient Identifier": {migration.Required},
		"Clinical Status":    {migration.Required, migration.Enum("active", "inactive")},
		"Type":               {migration.Required, migration.Enum("allergy", "intolerance")},
		"FDB Code":           {migration.Required},
		"Name":               {migration.Required},
		"Onset Date":         {migration.Date},
		"Severity":           {migration.Enum("mild", "moderate", "severe")},
	}
}

func (a *Allergy) IDField() string      { return "ID" }
func (a *Allergy) PatientField() string { return "Patient Identifier" }

func (a *Allergy) Prepare(ctx context.Context, row migration.Row) (*migration.Prepared, error) {
	// Some source systems export a placeholder dash instead of leaving the
	// name blank.
	switch strings.TrimSpace(row["Name"]) {
	case "", "-", "—":
		return nil, migration.IgnoreRow("Allergy is missing a name")
	}

	// An unmappable provider is not worth losing the allergy over; the
	// automation user stands in.
	providerKey, err := a.deps.Maps.Passthrough(migration.KindProvider, row["Recorded Provider"])
	if err != nil || providerKey == "" {
		providerKey = a.deps.botKey()
	}

	patientKey, err := a.deps.Maps.Resolve(migration.KindPatient, row["Patient Identifier"])
	if err != nil {
		return nil, migration.IgnoreRow("no patient map with %s", row["Patient Identifier"])
	}
	noteKey, err := a.deps.Notes.Get(ctx, patientKey)
	if err != nil {
		return nil, err
	}

	// A code column delimited with "```" carries several allergens in one
	// source record; each becomes its own resource.
	prepared := &migration.Prepared{PatientKey: patientKey}
	for _, fdb := range strings.Split(row["FDB Code"], "```") {
		prepared.Submissions = append(prepared.Submissions, migration.Submission{
			Payload:   a.payload(row, fdb, patientKey, providerKey, noteKey),
			DoneExtra: []string{fdb},
		})
	}
	return prepared, nil
}

func (a *Allergy) payload(row migration.Row, fdb, patientKey, providerKey, noteKey string) map[string]interface{} {
	display := row["Name"]
	if fdb == noAllergyInfoCode {
		display = "No Allergy Information Available"
	}

	notes := []map[string]interface{}{}
	if row["Original Name"] != "" {
		notes = append(notes, map[string]interface{}{"text": row["Original Name"]})
	}
	if row["Reaction"] != "" {
		notes = append(notes, map[string]interface{}{"text": row["Reaction"]})
	}
	if row["Free Text Note"] != "" {
		notes = append(notes, map[string]interface{}{"text": fmt.Sprintf("Notes: %s", row["Free Text Note"])})
	}

	payload := map[string]interface{}{
		"resourceType": "AllergyIntolerance",
		"extension": []map[string]interface{}{
			{
				"url":     "http://schemas.canvasmedical.com/fhir/extensions/note-id",
				"valueId": noteKey,
			},
		},
		"clinicalStatus": map[string]interface{}{
			"coding": []map[string]interface{}{
				{
					"system": "http://terminology.hl7.org/CodeSystem/allergyintolerance-clinical",
					"code":   row["Clinical Status"],
				},
			},
		},
		"verificationStatus": map[string]interface{}{
			"coding": []map[string]interface{}{
				{
					"system":  "http://terminology.hl7.org/CodeSystem/allergyintolerance-verification",
					"code":    "confirmed",
					"display": "Confirmed",
				},
			},
			"text": "Confirmed",
		},
		"type": row["Type"],
		"code": map[string]interface{}{
			"coding": []map[string]interface{}{
				{
					"system":  "http://www.fdbhealth.com/",
					"code":    fdb,
					"display": display,
				},
			},
		},
		"patient": map[string]interface{}{
			"reference": "Patient/" + patientKey,
		},
		"note": notes,
	}

	if onset := row["Onset Date"]; onset != "" {
		payload["onsetDateTime"] = onset
	}
	if providerKey != "" {
		payload["recorder"] = map[string]interface{}{
			"reference": "Practitioner/" + providerKey,
		}
	}
	if severity := row["Severity"]; severity != "" {
		payload["reaction"] = []map[string]interface{}{
			{
				"manifestation": []map[string]interface{}{
					{
						"coding": []map[string]interface{}{
							{
								"system":  "http://terminology.hl7.org/CodeSystem/data-absent-reason",
								"code":    "unknown",
								"display": "Unknown",
							},
						},
						"text": "Unknown",
					},
				},
				"severity": severity,
			},
		}
	}
	return payload
}

func (a *Allergy) Submit(ctx context.Context, sub migration.Submission) (string, error) {
	return a.deps.API.PerformCreate(ctx, sub.Payload)
}
