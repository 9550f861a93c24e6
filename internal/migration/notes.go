package migration

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"sort"

	"github.com/ehr/ehr-migrate/internal/platform/blobstore"
	"github.com/ehr/ehr-migrate/internal/platform/emr"
)

// noteMapFile records created historical notes so resumed runs reuse them
// instead of opening a second note on the same chart.
const noteMapFile = "historical_note_map.csv"

// noteCreator is the slice of the EMR client the note provider needs.
type noteCreator interface {
	CreateNote(ctx context.Context, params emr.CreateNoteParams) (string, error)
}

// NoteConfig describes the historical data entry note created per patient.
type NoteConfig struct {
	TypeName    string
	ProviderKey string
	LocationKey string
	// StartTime is the encounter time stamped on every historical note,
	// conventionally the go-live date.
	StartTime string
}

// NoteProvider hands out one historical note per patient, creating it on
// first use. The patient-to-note map is persisted so the get-or-create
// survives restarts.
type NoteProvider struct {
	api   noteCreator
	store blobstore.Store
	cfg   NoteConfig
	cache map[string]string
}

// NewNoteProvider loads the persisted note map and returns a provider.
func NewNoteProvider(ctx context.Context, api noteCreator, store blobstore.Store, cfg NoteConfig) (*NoteProvider, error) {
	p := &NoteProvider{
		api:   api,
		store: store,
		cfg:   cfg,
		cache: make(map[string]string),
	}

	data, err := store.Get(ctx, noteMapFile)
	if errors.Is(err, blobstore.ErrNotFound) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("migration: loading note map: %w", err)
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = '|'
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("migration: decoding note map: %w", err)
	}
	for i, record := range records {
		if i == 0 || len(record) < 2 {
			continue
		}
		p.cache[record[0]] = record[1]
	}
	return p, nil
}

// Get returns the patient's historical note key, creating the note if this
// is the first record landing on that chart.
func (p *NoteProvider) Get(ctx context.Context, patientKey string) (string, error) {
	if noteKey, ok := p.cache[patientKey]; ok {
		return noteKey, nil
	}

	noteKey, err := p.api.CreateNote(ctx, emr.CreateNoteParams{
		NoteTypeName:       p.cfg.TypeName,
		PatientKey:         patientKey,
		ProviderKey:        p.cfg.ProviderKey,
		PracticeLocation:   p.cfg.LocationKey,
		EncounterStartTime: p.cfg.StartTime,
	})
	if err != nil {
		return "", err
	}

	if err := p.persist(ctx, patientKey, noteKey); err != nil {
		return "", err
	}
	p.cache[patientKey] = noteKey
	return noteKey, nil
}

// NoteKeys lists every historical note handed out so far, sorted. Used to
// sweep the notes into their final state once a migration wraps up.
func (p *NoteProvider) NoteKeys() []string {
	keys := make([]string, 0, len(p.cache))
	for _, noteKey := range p.cache {
		keys = append(keys, noteKey)
	}
	sort.Strings(keys)
	return keys
}

func (p *NoteProvider) persist(ctx context.Context, patientKey, noteKey string) error {
	exists, err := p.store.Exists(ctx, noteMapFile)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = '|'
	if !exists {
		if err := w.Write([]string{"patient_key", "note_key"}); err != nil {
			return err
		}
	}
	if err := w.Write([]string{patientKey, noteKey}); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return p.store.Append(ctx, noteMapFile, buf.Bytes())
}
