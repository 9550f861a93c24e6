// Package template holds the resource strategies for the canonical data
// migration template: one strategy per clinical resource type, plugged into
// the generic loader in internal/migration. Each strategy owns its column
// set, validation rules, and payload shape; everything else is shared.
package template

import (
	"context"
	"net/url"

	"github.com/ehr/ehr-migrate/internal/migration"
	"github.com/ehr/ehr-migrate/internal/platform/emr"
)

// DefaultBotProviderKey is the automation user historical records default
// to when no provider is recorded.
const DefaultBotProviderKey = "5eede137ecfe4124b8b773040e33be14"

// emrAPI is the slice of the EMR client the strategies use. Narrow on
// purpose so tests can fake it.
type emrAPI interface {
	PerformCreate(ctx context.Context, payload map[string]interface{}) (string, error)
	CreateCommand(ctx context.Context, payload map[string]interface{}) (string, error)
	CommitCommand(ctx context.Context, commandUUID string) error
	CreateNote(ctx context.Context, params emr.CreateNoteParams) (string, error)
	ChangeNoteState(ctx context.Context, noteKey, state string) error
	Search(ctx context.Context, resourceType string, params url.Values) (*emr.Bundle, error)
}

// Deps carries everything a strategy needs beyond its row data.
type Deps struct {
	API   emrAPI
	Maps  *migration.IdentifierMaps
	Notes *migration.NoteProvider

	// BotProviderKey is the fallback provider for records with no
	// resolvable provider of their own.
	BotProviderKey string
	// LocationKey is the practice location stamped on notes the
	// strategies create themselves.
	LocationKey string

	// ICD10ToSnomed maps an ICD-10 code to its [code, display] SNOMED
	// equivalent for family history. Optional.
	ICD10ToSnomed map[string][]string
	// ICD10Names maps a dotless ICD-10 code to its description, used to
	// recover a diagnosis name when the source omitted one. Optional.
	ICD10Names map[string]string
}

func (d Deps) botKey() string {
	if d.BotProviderKey != "" {
		return d.BotProviderKey
	}
	return DefaultBotProviderKey
}

// NewRegistry wires every template strategy with the shared dependencies.
func NewRegistry(deps Deps) *migration.Registry {
	return migration.NewRegistry(
		NewAllergy(deps),
		NewImmunization(deps),
		NewFamilyHistory(deps),
		NewVitals(deps),
		NewCoverage(deps),
	)
}
