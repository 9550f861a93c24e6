package template

import (
	"context"
	"math"
	"strconv"

	"github.com/ehr/ehr-migrate/internal/migration"
	"github.com/ehr/ehr-migrate/internal/platform/emr"
)

// Vitals loads vital sign readings. Each row gets its own "Vitals Data
// Import" note stamped with the row's created_at, so the reading lands at
// its original time; the note is locked once the command commits.
type Vitals struct {
	deps Deps
}

// NewVitals returns the vitals strategy.
func NewVitals(deps Deps) *Vitals {
	return &Vitals{deps: deps}
}

func (v *Vitals) Resource() string { return "vitals" }

func (v *Vitals) Headers() []string {
	return []string{
		"id",
		"patient",
		"height",
		"weight_lbs",
		"body_temperature",
		"blood_pressure_systole",
		"blood_pressure_diastole",
		"pulse",
		"respiration_rate",
		"oxygen_saturation",
		"created_by",
		"created_at",
		"comment",
	}
}

func (v *Vitals) Rules() migration.FieldRules {
	return migration.FieldRules{
		"id":         {migration.Required},
		"patient":    {migration.Required},
		"created_at": {migration.Required, migration.DateTime},
	}
}

func (v *Vitals) IDField() string      { return "id" }
func (v *Vitals) PatientField() string { return "patient" }

// splitWeight splits a decimal pound value into whole pounds and ounces.
func splitWeight(weight string) (lbs, oz string) {
	f, err := strconv.ParseFloat(weight, 64)
	if err != nil {
		return weight, ""
	}
	whole := math.Floor(f)
	ounces := math.Round((f - whole) * 16)
	if ounces == 0 {
		return strconv.FormatFloat(whole, 'f', -1, 64), ""
	}
	return strconv.FormatFloat(whole, 'f', -1, 64), strconv.FormatFloat(ounces, 'f', -1, 64)
}

func (v *Vitals) Prepare(ctx context.Context, row migration.Row) (*migration.Prepared, error) {
	patientKey, err := v.deps.Maps.Resolve(migration.KindPatient, row["patient"])
	if err != nil {
		return nil, migration.IgnoreRow("no patient map with %s", row["patient"])
	}

	// A created_by equal to the patient's own identifier means the source
	// had no provider on the reading; the automation user takes it.
	providerKey := v.deps.botKey()
	if row["created_by"] != "" && row["created_by"] != row["patient"] {
		if key, err := v.deps.Maps.Resolve(migration.KindProvider, row["created_by"]); err == nil {
			providerKey = key
		}
	}

	values := map[string]interface{}{}
	if row["height"] != "" {
		values["height"] = row["height"]
	}
	if weight := row["weight_lbs"]; weight != "" {
		lbs, oz := splitWeight(weight)
		values["weight_lbs"] = lbs
		if oz != "" {
			values["weight_oz"] = oz
		}
	}
	if row["body_temperature"] != "" {
		values["body_temperature"] = row["body_temperature"]
	}
	// These fields are integers on the wire. Unparseable values are left
	// out rather than failing the row.
	for _, field := range []string{"pulse", "respiration_rate", "oxygen_saturation", "blood_pressure_systole", "blood_pressure_diastole"} {
		if row[field] == "" {
			continue
		}
		if n, err := strconv.Atoi(row[field]); err == nil {
			values[field] = n
		}
	}
	if row["comment"] != "" {
		values["note"] = row["comment"]
	}

	if len(values) == 0 {
		return nil, migration.IgnoreRow("vital sign data all null")
	}

	noteKey, err := v.deps.API.CreateNote(ctx, emr.CreateNoteParams{
		NoteTypeName:       "Vitals Data Import",
		PatientKey:         patientKey,
		ProviderKey:        providerKey,
		EncounterStartTime: row["created_at"],
		PracticeLocation:   v.deps.LocationKey,
	})
	if err != nil {
		return nil, err
	}

	return &migration.Prepared{
		PatientKey: patientKey,
		Submissions: []migration.Submission{
			{
				Payload: map[string]interface{}{
					"noteKey":   noteKey,
					"schemaKey": "vitals",
					"values":    values,
				},
				Finalize: func(ctx context.Context, key string) error {
					if err := v.deps.API.CommitCommand(ctx, key); err != nil {
						return err
					}
					return v.deps.API.ChangeNoteState(ctx, noteKey, emr.NoteStateLocked)
				},
			},
		},
	}, nil
}

func (v *Vitals) Submit(ctx context.Context, sub migration.Submission) (string, error) {
	return v.deps.API.CreateCommand(ctx, sub.Payload)
}
