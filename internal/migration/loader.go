package migration

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr-migrate/internal/platform/emr"
)

// Summary is the outcome of one load run, with per-reason breakdowns for
// the rows that did not land.
type Summary struct {
	Done        int
	AlreadyDone int
	Ignored     int
	Errored     int

	// IgnoreReasons and ErrorReasons group row IDs by reason.
	IgnoreReasons map[string][]string
	ErrorReasons  map[string][]string
}

// Total counts every row the run looked at.
func (s *Summary) Total() int {
	return s.Done + s.AlreadyDone + s.Ignored + s.Errored
}

// Loader drives validated rows through a resource strategy, one row at a
// time. Serial execution plus the append-only ledger is what guarantees at
// most one destination resource per source record: the destination API has
// no idempotency key of its own.
type Loader struct {
	strategy Strategy
	ledger   *Ledger
	log      zerolog.Logger
}

// NewLoader builds a Loader for one resource type.
func NewLoader(strategy Strategy, ledger *Ledger, logger zerolog.Logger) *Loader {
	return &Loader{
		strategy: strategy,
		ledger:   ledger,
		log:      logger.With().Str("resource", strategy.Resource()).Logger(),
	}
}

// Load processes the rows in file order. No row-level failure ever aborts
// the batch: each row ends up done, ignored, or errored, and the run keeps
// moving. Only a ledger write failure or context cancellation stops the
// run, since continuing without a durable record would risk duplicates.
func (l *Loader) Load(ctx context.Context, rows []Row) (*Summary, error) {
	summary := &Summary{
		IgnoreReasons: make(map[string][]string),
		ErrorReasons:  make(map[string][]string),
	}

	total := len(rows)
	l.log.Info().Int("count", total).Msg("found records")

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		id := row[l.strategy.IDField()]
		patient := row[l.strategy.PatientField()]
		l.log.Info().Msgf("Ingesting (%d/%d)", i+1, total)

		// The skip check runs before any resolution or remote work.
		if l.ledger.IsDone(id) {
			l.log.Info().Str("id", id).Msg("Already did record")
			summary.AlreadyDone++
			continue
		}
		if l.ledger.IsIgnored(id) {
			l.log.Info().Str("id", id).Msg("Previously ignored record")
			summary.AlreadyDone++
			continue
		}

		prep, err := l.strategy.Prepare(ctx, row)
		if err != nil {
			if err := l.classify(ctx, summary, id, patient, "", err); err != nil {
				return summary, err
			}
			continue
		}

		for _, sub := range prep.Submissions {
			key, err := l.strategy.Submit(ctx, sub)
			if err != nil {
				if err := l.classify(ctx, summary, id, patient, prep.PatientKey, err); err != nil {
					return summary, err
				}
				continue
			}

			// Done is recorded before any finalize step so a resumed run
			// never repeats the create.
			if err := l.ledger.Done(ctx, id, patient, prep.PatientKey, key, sub.DoneExtra...); err != nil {
				return summary, err
			}
			summary.Done++

			if sub.Finalize != nil {
				if err := sub.Finalize(ctx, key); err != nil {
					l.log.Error().Err(err).Str("id", id).Msg("finalize failed after create")
					if err := l.ledger.Error(ctx, id, patient, prep.PatientKey, err); err != nil {
						return summary, err
					}
					summary.Errored++
					addReason(summary.ErrorReasons, err.Error(), id)
				}
			}
		}
	}

	return summary, nil
}

// classify routes a row failure to the right ledger. Business-rule ignores
// and terminal destination rejections (a 4xx other than timeout or
// throttling) go to ignored: retrying them can never succeed, and leaving
// them in errored would make every future run re-submit a payload the
// destination already refused. Everything else is errored and retries on
// the next run.
func (l *Loader) classify(ctx context.Context, summary *Summary, id, patient, patientKey string, cause error) error {
	// Bad credentials fail every row the same way. Abort instead of
	// writing thousands of identical ledger lines.
	if errors.Is(cause, emr.ErrAuth) {
		return cause
	}

	terminal := IsIgnore(cause) || !emr.IsRetryable(cause)
	if terminal {
		l.log.Warn().Str("id", id).Str("reason", cause.Error()).Msg("ignored row")
		if err := l.ledger.Ignore(ctx, id, cause.Error()); err != nil {
			return err
		}
		summary.Ignored++
		addReason(summary.IgnoreReasons, cause.Error(), id)
		return nil
	}

	l.log.Error().Str("id", id).Err(cause).Msg("errored row")
	if err := l.ledger.Error(ctx, id, patient, patientKey, cause); err != nil {
		return err
	}
	summary.Errored++
	addReason(summary.ErrorReasons, cause.Error(), id)
	return nil
}

func addReason(reasons map[string][]string, reason, id string) {
	reasons[reason] = append(reasons[reason], id)
}
