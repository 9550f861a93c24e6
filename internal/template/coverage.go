package template

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/ehr/ehr-migrate/internal/migration"
)

// Coverage loads insurance coverages through the FHIR create endpoint.
//
// The subscriber must already exist as a patient, and the Payor ID must
// match a payor configured in the target instance. Order runs 1 through 5.
type Coverage struct {
	deps Deps
}

// NewCoverage returns the coverage strategy.
func NewCoverage(deps Deps) *Coverage {
	return &Coverage{deps: deps}
}

func (c *Coverage) Resource() string { return "coverage" }

func (c *Coverage) Headers() []string {
	return []string{
		"ID",
		"Patient Identifier",
		"Type",
		"Subscriber",
		"Member ID",
		"Relationship to Subscriber",
		"Coverage Start Date",
		"Payor ID",
		"Order",
		"Group Number",
		"Plan Name",
	}
}

func (c *Coverage) Rules() migration.FieldRules {
	return migration.FieldRules{
		"ID":                         {migration.Required},
		"Patient Identifier":         {migration.Required},
		"Subscriber":                 {migration.Required},
		"Member ID":                  {migration.Required},
		"Coverage Start Date":        {migration.Date},
		"Payor ID":                   {migration.Required},
		"Order":                      {migration.Required, migration.Enum("1", "2", "3", "4", "5")},
		"Relationship to Subscriber": {migration.Enum("self", "child", "spouse", "other", "injured")},
	}
}

func (c *Coverage) IDField() string      { return "ID" }
func (c *Coverage) PatientField() string { return "Patient Identifier" }

func (c *Coverage) Prepare(ctx context.Context, row migration.Row) (*migration.Prepared, error) {
	// A mapping miss here usually means a setup gap (subscriber not yet
	// loaded, payor not configured), so the row goes to the errored
	// ledger and retries on the next run.
	patientKey, err := c.deps.Maps.Resolve(migration.KindPatient, row["Patient Identifier"])
	if err != nil {
		return nil, err
	}
	subscriberKey, err := c.deps.Maps.Resolve(migration.KindPatient, row["Subscriber"])
	if err != nil {
		return nil, err
	}
	payorID, err := c.deps.Maps.Passthrough(migration.KindPayor, row["Payor ID"])
	if err != nil {
		return nil, err
	}

	order, err := strconv.Atoi(row["Order"])
	if err != nil {
		return nil, migration.IgnoreRow("invalid order %q", row["Order"])
	}

	class := []map[string]interface{}{}
	if row["Plan Name"] != "" {
		class = append(class, coverageClass("plan", row["Plan Name"]))
	}
	if row["Group Number"] != "" {
		class = append(class, coverageClass("group", row["Group Number"]))
	}

	payload := map[string]interface{}{
		"resourceType": "Coverage",
		"order":        order,
		"status":       "active",
		"subscriber": map[string]interface{}{
			"reference": "Patient/" + subscriberKey,
		},
		"subscriberId": row["Member ID"],
		"beneficiary": map[string]interface{}{
			"reference": "Patient/" + patientKey,
		},
		"relationship": map[string]interface{}{
			"coding": []map[string]interface{}{
				{
					"system": "http://hl7.org/fhir/ValueSet/subscriber-relationship",
					"code":   row["Relationship to Subscriber"],
				},
			},
		},
		"payor": []map[string]interface{}{
			{
				"identifier": map[string]interface{}{
					"system": "https://www.claim.md/services/era/",
					"value":  payorID,
				},
			},
		},
		"class": class,
		"period": map[string]interface{}{
			"start": row["Coverage Start Date"],
		},
	}

	return &migration.Prepared{
		PatientKey:  patientKey,
		Submissions: []migration.Submission{{Payload: payload}},
	}, nil
}

func (c *Coverage) Submit(ctx context.Context, sub migration.Submission) (string, error) {
	return c.deps.API.PerformCreate(ctx, sub.Payload)
}

func coverageClass(code, value string) map[string]interface{} {
	return map[string]interface{}{
		"type": map[string]interface{}{
			"coding": []map[string]interface{}{
				{
					"system": "http://hl7.org/fhir/ValueSet/coverage-class",
					"code":   code,
				},
			},
		},
		"value": value,
	}
}

// FindSubscriber looks a subscriber up in the EMR by name and birth date
// and maps the match back to its source identifier. It returns "" unless
// exactly one patient matches.
func (c *Coverage) FindSubscriber(ctx context.Context, given, family, birthDate string) (string, error) {
	bundle, err := c.deps.API.Search(ctx, "Patient", url.Values{
		"given":     {given},
		"family":    {family},
		"birthDate": {birthDate},
	})
	if err != nil {
		return "", err
	}
	if bundle.Total != 1 || len(bundle.Entry) == 0 {
		return "", nil
	}
	var resource struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(bundle.Entry[0].Resource, &resource); err != nil {
		return "", err
	}
	return c.deps.Maps.Reverse(migration.KindPatient)[resource.ID], nil
}
