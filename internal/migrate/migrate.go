// ABOUTME: One-shot startup migration pipeline
// ABOUTME: Every step checks its own precondition and no-ops when already done

package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fjall/signalstore/internal/config"
	"github.com/fjall/signalstore/internal/protocol"
	"github.com/fjall/signalstore/internal/store"
)

// Env bundles everything a migration step may need.
type Env struct {
	Config   *config.Config
	DB       *store.DB
	Protocol *protocol.SQLStore
	Legacy   *protocol.FileStore
	Logger   *slog.Logger
}

// Step is one migration. Steps are idempotent: each checks its own
// precondition and no-ops when there is nothing left to do, so the
// pipeline can run on every startup.
type Step interface {
	Name() string
	Run(ctx context.Context, env *Env) error
}

// Pipeline runs migration steps in order. A failing step is logged and
// skipped rather than aborting its siblings; a partially migrated store
// is still usable, and the failed step retries on the next startup.
type Pipeline struct {
	steps  []Step
	logger *slog.Logger
}

// NewPipeline assembles the standard step sequence.
func NewPipeline() *Pipeline {
	return &Pipeline{
		steps: []Step{
			whoamiStep{},
			sessionsToDBStep{},
			e164ToUUIDStep{},
			groupV2ExpectedIDsStep{},
			normalizeReactionsStep{},
		},
		logger: slog.Default().With("component", "migrate"),
	}
}

// Run executes every step. The returned error aggregates step failures;
// a non-nil error does not mean nothing ran.
func (p *Pipeline) Run(ctx context.Context, env *Env) error {
	if env.Logger == nil {
		env.Logger = p.logger
	}

	var failures []error
	for _, step := range p.steps {
		log := env.Logger.With("step", step.Name())
		log.Debug("running migration step")
		if err := step.Run(ctx, env); err != nil {
			log.Error("migration step failed, skipping", "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", step.Name(), err))
			continue
		}
		log.Debug("migration step done")
	}
	return errors.Join(failures...)
}
