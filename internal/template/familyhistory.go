package template

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehr/ehr-migrate/internal/migration"
)

// relationshipDisplay maps the SNOMED relationship codes the template
// accepts to their display text.
var relationshipDisplay = map[string]string{
	"270002":          "Female first cousin",
	"2272004":         "Half-sister",
	"2368000":         "Great great grandmother",
	"11434005":        "Male second cousin",
	"11993008":        "Male first cousin",
	"21506002":        "Female second cousin",
	"27733009":        "Sister",
	"29644004":        "Fraternal twin sister",
	"30578000":        "Stepfather",
	"34581001":        "Niece",
	"45929001":        "Half-brother",
	"50058005":        "Identical twin sister",
	"50261002":        "Great grandfather",
	"65616008":        "Son",
	"66089001":        "Daughter",
	"66839005":        "Father",
	"70924004":        "Brother",
	"72705000":        "Mother",
	"78194006":        "Identical twin brother",
	"78652007":        "Great grandmother",
	"80386000":        "Great great grandfather",
	"81467001":        "Fraternal twin brother",
	"83559000":        "Nephew",
	"85683001":        "Adopted",
	"125679009":       "Blood relative",
	"394856008":       "Paternal grandfather",
	"394857004":       "Maternal grandfather",
	"394858009":       "Paternal grandmother",
	"394859001":       "Maternal grandmother",
	"394861005":       "Great uncle",
	"394862003":       "Great aunt",
	"719768009":       "Paternal great grandmother",
	"719769001":       "Maternal great grandmother",
	"719770000":       "Paternal great grandfather",
	"719771001":       "Maternal great grandfather",
	"442031000124102": "Maternal uncle",
	"442041000124107": "Paternal uncle",
	"442051000124109": "Maternal aunt",
	"442061000124106": "Paternal aunt",
}

// FamilyHistory loads family history rows as committed commands on the
// patient's historical data note.
//
// A row's diagnosis resolves in order of preference: a SNOMED mapping for
// its ICD-10 code, the Diagnosis Name column, then the ICD-10 description
// table with the raw code folded into the comment.
type FamilyHistory struct {
	deps Deps
}

// NewFamilyHistory returns the family history strategy.
func NewFamilyHistory(deps Deps) *FamilyHistory {
	return &FamilyHistory{deps: deps}
}

func (f *FamilyHistory) Resource() string { return "familyhistory" }

func (f *FamilyHistory) Headers() []string {
	return []string{
		"ID",
		"Patient Identifier",
		"Relative Coding",
		"Comment",
		"ICD10/SNOMED Code",
		"Diagnosis Name",
	}
}

func (f *FamilyHistory) Rules() migration.FieldRules {
	codes := make([]string, 0, len(relationshipDisplay))
	for code := range relationshipDisplay {
		codes = append(codes, code)
	}
	return migration.FieldRules{
		"ID":                 {migration.Required},
		"Patient Identifier": {migration.Required},
		"Relative Coding":    {migration.Required, migration.Enum(codes...)},
	}
}

func (f *FamilyHistory) IDField() string      { return "ID" }
func (f *FamilyHistory) PatientField() string { return "Patient Identifier" }

func (f *FamilyHistory) Prepare(ctx context.Context, row migration.Row) (*migration.Prepared, error) {
	patientKey, err := f.deps.Maps.Resolve(migration.KindPatient, row["Patient Identifier"])
	if err != nil {
		return nil, migration.IgnoreRow("no patient map with %s", row["Patient Identifier"])
	}
	noteKey, err := f.deps.Notes.Get(ctx, patientKey)
	if err != nil {
		return nil, err
	}

	comment := row["Comment"]
	var diagnosis map[string]interface{}
	if snomed, ok := f.deps.ICD10ToSnomed[row["ICD10/SNOMED Code"]]; ok && len(snomed) == 2 {
		diagnosis = map[string]interface{}{
			"text": snomed[1],
			"extra": map[string]interface{}{
				"coding": []map[string]interface{}{
					{
						"code":    snomed[0],
						"system":  "http://snomed.info/sct",
						"display": snomed[1],
					},
				},
			},
			"value": snomed[0],
		}
	} else {
		if row["Diagnosis Name"] == "" && row["ICD10/SNOMED Code"] == "" {
			return nil, migration.IgnoreRow("no diagnosis code or description")
		}

		description := row["Diagnosis Name"]
		if description == "" {
			description = f.deps.ICD10Names[strings.ReplaceAll(row["ICD10/SNOMED Code"], ".", "")]
			if description == "" {
				return nil, migration.IgnoreRow("no description found for code %s", row["ICD10/SNOMED Code"])
			}
			// Keep the unmapped code visible in the note text.
			if comment != "" {
				comment = fmt.Sprintf("%s\n%s", row["ICD10/SNOMED Code"], comment)
			} else {
				comment = row["ICD10/SNOMED Code"]
			}
		}

		diagnosis = map[string]interface{}{
			"text": description,
			"extra": map[string]interface{}{
				"coding": []map[string]interface{}{
					{
						"code":    "",
						"system":  "UNSTRUCTURED",
						"display": description,
					},
				},
			},
			"value": description,
		}
	}

	relative := row["Relative Coding"]
	payload := map[string]interface{}{
		"noteKey":   noteKey,
		"state":     "committed",
		"schemaKey": "familyHistory",
		"values": map[string]interface{}{
			"note": comment,
			"relative": map[string]interface{}{
				"text": relationshipDisplay[relative],
				"extra": map[string]interface{}{
					"coding": map[string]interface{}{
						"code":    relative,
						"system":  "http://snomed.info/sct",
						"display": relationshipDisplay[relative],
					},
				},
				"value": relative,
			},
			"family_history": diagnosis,
		},
	}

	return &migration.Prepared{
		PatientKey: patientKey,
		Submissions: []migration.Submission{
			{
				Payload: payload,
				Finalize: func(ctx context.Context, key string) error {
					return f.deps.API.CommitCommand(ctx, key)
				},
			},
		},
	}, nil
}

func (f *FamilyHistory) Submit(ctx context.Context, sub migration.Submission) (string, error) {
	return f.deps.API.CreateCommand(ctx, sub.Payload)
}
