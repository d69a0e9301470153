// Package seed loads the configured agents, tools, and context documents
// into the entity store on startup. Seeding is idempotent: entries are
// upserted by name, so repeated starts converge on the configured set
// without duplicating rows or clobbering ids.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/SynidSweet/the-system/pkg/config"
	"github.com/SynidSweet/the-system/pkg/store"
)

// Seeder writes seed definitions into an EntityStore.
type Seeder struct {
	store  store.EntityStore
	logger *slog.Logger
}

// New creates a seeder for the given store.
func New(s store.EntityStore) *Seeder {
	return &Seeder{
		store:  s,
		logger: slog.Default().With("component", "seed"),
	}
}

// Apply upserts every seed entry. Documents go first so agents referencing
// them never observe a store without their context.
func (s *Seeder) Apply(ctx context.Context, seeds config.Seeds) error {
	for i := range seeds.Documents {
		doc := seeds.Documents[i]
		if err := s.store.UpsertDocument(ctx, &doc); err != nil {
			return fmt.Errorf("failed to seed document %q: %w", doc.Name, err)
		}
	}
	for i := range seeds.Tools {
		tool := seeds.Tools[i]
		if err := s.store.UpsertTool(ctx, &tool); err != nil {
			return fmt.Errorf("failed to seed tool %q: %w", tool.Name, err)
		}
	}
	for i := range seeds.Agents {
		agent := seeds.Agents[i]
		if err := s.store.UpsertAgent(ctx, &agent); err != nil {
			return fmt.Errorf("failed to seed agent %q: %w", agent.Name, err)
		}
	}

	s.logger.Info("Seed data applied",
		"agents", len(seeds.Agents),
		"tools", len(seeds.Tools),
		"documents", len(seeds.Documents))
	return nil
}
