// Package plan loads work plans from YAML files. A plan is the file-based
// decomposition input: work items with dependencies and resource claims,
// plus review gates and sync points.
package plan

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gantry-dev/gantry/pkg/models"
)

// ErrInvalidPlan wraps all plan validation failures.
var ErrInvalidPlan = errors.New("invalid plan")

// ReviewSpec declares a review gate: the gate item produces review
// verdicts, and failing verdicts schedule revisions for the generator role.
type ReviewSpec struct {
	// Gate is the reviewing item's ID.
	Gate string `yaml:"gate"`
	// GeneratorRole owns the revision items.
	GeneratorRole string `yaml:"generator_role"`
	// MaxRounds bounds the revision loop; 0 uses the configured default.
	MaxRounds int `yaml:"max_rounds"`
}

// Plan is a parsed work plan.
type Plan struct {
	// Goal is the human-readable objective.
	Goal string `yaml:"goal"`
	// Items are the work items, in declaration order.
	Items []*models.WorkItem `yaml:"items"`
	// Reviews declares the review gates.
	Reviews []ReviewSpec `yaml:"reviews"`
	// SyncPoints gate downstream items behind review passes.
	SyncPoints []*models.SyncPoint `yaml:"sync_points"`
}

// Load reads and validates a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates plan YAML.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	// Declared status is ignored: every planned item starts pending.
	for _, item := range p.Items {
		item.Status = models.StatusPending
	}
	return &p, nil
}

func (p *Plan) validate() error {
	if len(p.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidPlan)
	}

	seen := make(map[string]bool, len(p.Items))
	for i, item := range p.Items {
		if item.ID == "" {
			return fmt.Errorf("%w: item %d has no id", ErrInvalidPlan, i)
		}
		if item.OwnerRole == "" {
			return fmt.Errorf("%w: item %s has no owner_role", ErrInvalidPlan, item.ID)
		}
		if seen[item.ID] {
			return fmt.Errorf("%w: duplicate item id %s", ErrInvalidPlan, item.ID)
		}
		seen[item.ID] = true
	}

	for _, item := range p.Items {
		for _, dep := range item.BlockedBy {
			if !seen[dep] {
				return fmt.Errorf("%w: item %s depends on unknown item %s", ErrInvalidPlan, item.ID, dep)
			}
		}
	}

	for _, review := range p.Reviews {
		if !seen[review.Gate] {
			return fmt.Errorf("%w: review gate %s is not a plan item", ErrInvalidPlan, review.Gate)
		}
	}

	for _, sp := range p.SyncPoints {
		if !seen[sp.GateItemID] {
			return fmt.Errorf("%w: sync point gate %s is not a plan item", ErrInvalidPlan, sp.GateItemID)
		}
		for _, down := range sp.Downstream {
			if !seen[down] {
				return fmt.Errorf("%w: sync point downstream %s is not a plan item", ErrInvalidPlan, down)
			}
		}
	}

	return nil
}

// Review returns the review spec for a gate item, if declared.
func (p *Plan) Review(gateID string) (ReviewSpec, bool) {
	for _, review := range p.Reviews {
		if review.Gate == gateID {
			return review, true
		}
	}
	return ReviewSpec{}, false
}
