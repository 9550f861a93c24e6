package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ehr-migrate/internal/config"
	"github.com/ehr/ehr-migrate/internal/migration"
	"github.com/ehr/ehr-migrate/internal/platform/blobstore"
	"github.com/ehr/ehr-migrate/internal/platform/emr"
	"github.com/ehr/ehr-migrate/internal/template"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehr-migrate",
		Short: "EHR data migration runner",
	}

	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(mapCmd())
	rootCmd.AddCommand(notesCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

// signalContext cancels on SIGINT or SIGTERM so an interrupted run stops
// between rows, after the current ledger write.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	switch cfg.StorageDriver {
	case "s3":
		return blobstore.NewS3(ctx, blobstore.S3Config{
			Bucket:       cfg.S3Bucket,
			Prefix:       cfg.DataDir,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
	default:
		return blobstore.NewLocal(cfg.DataDir)
	}
}

func newEMRClient(cfg *config.Config, logger zerolog.Logger) (*emr.Client, error) {
	return emr.NewClient(emr.Config{
		Instance:     cfg.InstanceName,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Timeout:      time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		MaxRetries:   cfg.MaxRetries,
	}, logger)
}

// loadMaps pulls whichever identifier map artifacts exist in the store.
// The patient map is mandatory for a load; provider and payor maps are
// optional and fall through to passthrough resolution.
func loadMaps(ctx context.Context, store blobstore.Store) (*migration.IdentifierMaps, error) {
	maps := migration.NewIdentifierMaps()
	for kind, name := range map[migration.Kind]string{
		migration.KindPatient:  "patient_map.json",
		migration.KindProvider: "provider_map.json",
		migration.KindPayor:    "payor_map.json",
	} {
		if err := maps.LoadFromStore(ctx, store, kind, name); err != nil {
			return nil, err
		}
	}
	return maps, nil
}

// setup builds everything a validate or load run needs from configuration.
func setup(ctx context.Context) (*config.Config, *migration.Job, *migration.Registry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	logger := newLogger(cfg)

	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	maps, err := loadMaps(ctx, store)
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := newEMRClient(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	notes, err := migration.NewNoteProvider(ctx, client, store, migration.NoteConfig{
		TypeName:    cfg.NoteTypeName,
		ProviderKey: cfg.BotProviderKey,
		LocationKey: cfg.LocationKey,
		StartTime:   time.Now().Format("2006-01-02"),
	})
	if err != nil {
		return nil, nil, nil, err
	}

	registry := template.NewRegistry(template.Deps{
		API:            client,
		Maps:           maps,
		Notes:          notes,
		BotProviderKey: cfg.BotProviderKey,
		LocationKey:    cfg.LocationKey,
	})

	job := &migration.Job{
		Store:     store,
		Maps:      maps,
		Delimiter: cfg.DelimiterRune(),
		Log:       logger,
	}
	return cfg, job, registry, nil
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <resource> <file>",
		Short: "Validate an input file without loading anything",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			_, job, registry, err := setup(ctx)
			if err != nil {
				return err
			}
			strategy, err := registry.Get(args[0])
			if err != nil {
				return err
			}

			rows, report, err := job.ValidateFile(ctx, strategy, args[1])
			if err != nil {
				return err
			}

			fmt.Printf("%d row(s) passed validation\n", len(rows))
			if len(report) > 0 {
				fmt.Printf("%d row(s) failed, see validation_errors_%s.json\n", len(report), strategy.Resource())
				return fmt.Errorf("validation failed for %d row(s)", len(report))
			}
			return nil
		},
	}
}

func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <resource> <file>",
		Short: "Validate and load an input file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			_, job, registry, err := setup(ctx)
			if err != nil {
				return err
			}
			strategy, err := registry.Get(args[0])
			if err != nil {
				return err
			}

			summary, err := job.Run(ctx, strategy, args[1])
			if summary != nil {
				printSummary(strategy.Resource(), summary)
			}
			return err
		},
	}
}

func printSummary(resource string, s *migration.Summary) {
	fmt.Printf("\n%s load finished: %d row(s)\n", resource, s.Total())
	fmt.Printf("  done:         %d\n", s.Done)
	fmt.Printf("  already done: %d\n", s.AlreadyDone)
	fmt.Printf("  ignored:      %d\n", s.Ignored)
	fmt.Printf("  errored:      %d\n", s.Errored)
	printReasons("Ignored", s.IgnoreReasons)
	printReasons("Errored", s.ErrorReasons)
}

func printReasons(label string, reasons map[string][]string) {
	if len(reasons) == 0 {
		return
	}
	keys := make([]string, 0, len(reasons))
	for reason := range reasons {
		keys = append(keys, reason)
	}
	sort.Strings(keys)

	fmt.Printf("\n%s breakdown:\n", label)
	for _, reason := range keys {
		fmt.Printf("  %4d  %s  (%s)\n", len(reasons[reason]), reason, truncateIDs(reasons[reason], 5))
	}
}

// truncateIDs shows the first few row IDs for a reason so common failures
// can be spot-checked without opening the ledger.
func truncateIDs(ids []string, max int) string {
	if len(ids) <= max {
		return strings.Join(ids, ", ")
	}
	return fmt.Sprintf("%s, +%d more", strings.Join(ids[:max], ", "), len(ids)-max)
}

func mapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Build identifier map artifacts",
	}

	patientsCmd := &cobra.Command{
		Use:   "patients",
		Short: "Build the patient identifier map from the destination EHR",
		RunE: func(cmd *cobra.Command, args []string) error {
			system, _ := cmd.Flags().GetString("system")
			out, _ := cmd.Flags().GetString("out")
			if system == "" {
				return fmt.Errorf("--system is required")
			}

			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg)

			store, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			client, err := newEMRClient(cfg, logger)
			if err != nil {
				return err
			}

			patients, err := client.BuildPatientIdentifierMap(ctx, system)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(patients, "", "  ")
			if err != nil {
				return err
			}
			if err := store.Put(ctx, out, data); err != nil {
				return err
			}

			fmt.Printf("Mapped %d patient(s) to %s\n", len(patients), out)
			return nil
		},
	}
	patientsCmd.Flags().String("system", "", "Identifier system URL the source IDs were loaded under")
	patientsCmd.Flags().String("out", "patient_map.json", "Artifact name to write")
	cmd.AddCommand(patientsCmd)

	return cmd
}

func notesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "Manage the historical data entry notes a migration created",
	}

	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Check in and lock every historical note created so far",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg)

			store, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			client, err := newEMRClient(cfg, logger)
			if err != nil {
				return err
			}
			notes, err := migration.NewNoteProvider(ctx, client, store, migration.NoteConfig{})
			if err != nil {
				return err
			}

			keys := notes.NoteKeys()
			for i, noteKey := range keys {
				if err := client.CheckInAndLockNote(ctx, noteKey); err != nil {
					return fmt.Errorf("locking note %s (%d/%d): %w", noteKey, i+1, len(keys), err)
				}
				logger.Info().Str("note", noteKey).Msgf("locked (%d/%d)", i+1, len(keys))
			}

			fmt.Printf("Locked %d note(s)\n", len(keys))
			return nil
		},
	}
	cmd.AddCommand(lockCmd)

	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <resource>",
		Short: "Show ledger totals for a resource type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}

			counts, err := migration.LedgerCounts(ctx, store, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Ledger status for %s:\n", args[0])
			fmt.Printf("  done:    %d\n", counts.Done)
			fmt.Printf("  ignored: %d\n", counts.Ignored)
			fmt.Printf("  errored: %d\n", counts.Errored)
			return nil
		},
	}
}
