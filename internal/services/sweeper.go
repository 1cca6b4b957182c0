// Package services – StaleSweeper
//
// The lifecycle is poll-driven, so a generation whose client disappears can
// sit in processing forever. The sweeper is the backstop: on a fixed
// interval it fails every row that has not moved since the staleness
// cutoff, using the same guarded transition as the poll path so it can never
// touch a row a concurrent poll just completed.
package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// StaleRepo is the repository slice the sweeper needs.
type StaleRepo interface {
	// FailStaleProcessing fails processing rows untouched since cutoff.
	FailStaleProcessing(ctx context.Context, db *gorm.DB, cutoff time.Time, message string) (int64, error)
}

// staleMessage is the user-safe error recorded on swept rows.
const staleMessage = "generation timed out"

// StaleSweeper periodically fails generations stuck in processing.
type StaleSweeper struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the generation repository used by the sweeper.
	Repo StaleRepo

	// StaleAfter is how long a processing row may sit unchanged.
	StaleAfter time.Duration
	// Interval is the sweep period.
	Interval time.Duration

	// Log is the sweeper's logger.
	Log zerolog.Logger
}

// Run sweeps until ctx is canceled. It performs one immediate sweep at
// startup to clear rows orphaned by a previous process.
func (s *StaleSweeper) Run(ctx context.Context) error {
	s.sweep(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *StaleSweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.StaleAfter)
	n, err := s.Repo.FailStaleProcessing(ctx, s.DB, cutoff, staleMessage)
	if err != nil {
		s.Log.Error().Err(err).Msg("stale sweep failed")
		return
	}
	if n > 0 {
		genFailed.WithLabelValues("sweeper").Add(float64(n))
		s.Log.Warn().Int64("swept", n).Msg("failed stale processing generations")
	}
}
