// Package conflict vets candidate parallel batches for overlapping
// resource claims before dispatch. Parallel batch members must not share
// mutable resources; this package enforces that by deferring or
// escalating conflicting members.
package conflict

import (
	"sort"
	"strings"

	"github.com/gantry-dev/gantry/pkg/models"
)

// Policy maps overlap classes to severities. Thresholds are deliberately
// configuration, not constants: pipelines disagree about how dangerous a
// shared directory is.
type Policy struct {
	// SameResource is the severity for an identical resource key.
	SameResource models.Severity
	// PrefixOverlap is the severity when one claim is a path prefix of
	// another (a directory claim against a file inside it).
	PrefixOverlap models.Severity
	// SameOwner is the severity for two claims-disjoint items that share
	// an owner role. Informational by default.
	SameOwner models.Severity
}

// DefaultPolicy returns the standard severity mapping.
func DefaultPolicy() Policy {
	return Policy{
		SameResource:  models.SeverityCritical,
		PrefixOverlap: models.SeverityHigh,
		SameOwner:     models.SeverityLow,
	}
}

// Resolver detects and resolves resource-claim overlaps within a batch.
type Resolver struct {
	policy Policy
}

// NewResolver creates a Resolver with the given policy.
func NewResolver(policy Policy) *Resolver {
	return &Resolver{policy: policy}
}

// Result is the outcome of vetting one parallel batch.
type Result struct {
	// Keep are the items cleared for parallel dispatch.
	Keep []*models.WorkItem
	// Deferred are items evicted from the batch; they re-queue into the
	// next sequential pass.
	Deferred []*models.WorkItem
	// Records are all detected conflicts, including non-blocking ones.
	Records []models.ConflictRecord
	// Escalations are conflicts the core could not resolve
	// deterministically; the batch stays unresolved for these members
	// until an external decision arrives through the ledger.
	Escalations []models.ConflictRecord
}

// Vet examines every pair in a candidate parallel batch. Blocking
// conflicts (high/critical) evict the lower-priority member; a critical
// conflict between equal priorities has no deterministic winner and
// escalates with both members deferred. Medium/low conflicts are
// recorded but do not block dispatch.
func (r *Resolver) Vet(batch []*models.WorkItem) *Result {
	result := &Result{}
	dropped := make(map[string]bool)

	for i := 0; i < len(batch); i++ {
		for j := i + 1; j < len(batch); j++ {
			a, b := batch[i], batch[j]
			if dropped[a.ID] || dropped[b.ID] {
				continue
			}

			overlap, severity := r.classify(a, b)
			if severity == "" {
				continue
			}

			record := models.ConflictRecord{
				ItemA:                a.ID,
				ItemB:                b.ID,
				OverlappingResources: overlap,
				Severity:             severity,
			}

			if !severity.Blocking() {
				record.Resolution = models.ResolutionLogged
				result.Records = append(result.Records, record)
				continue
			}

			loser := lowerPriority(a, b)
			if loser == nil {
				if severity == models.SeverityCritical {
					// No deterministic choice: hand it to the embedder.
					record.Resolution = models.ResolutionEscalated
					result.Escalations = append(result.Escalations, record)
					result.Records = append(result.Records, record)
					dropped[a.ID] = true
					dropped[b.ID] = true
					continue
				}
				// High-severity ties break on the batch's stable order.
				loser = b
			}

			record.Resolution = models.ResolutionDeferred
			record.DeferredItem = loser.ID
			result.Records = append(result.Records, record)
			dropped[loser.ID] = true
		}
	}

	for _, item := range batch {
		if dropped[item.ID] {
			result.Deferred = append(result.Deferred, item)
		} else {
			result.Keep = append(result.Keep, item)
		}
	}

	// Escalated members are unresolved, not merely re-queued.
	escalated := make(map[string]bool)
	for _, rec := range result.Escalations {
		escalated[rec.ItemA] = true
		escalated[rec.ItemB] = true
	}
	if len(escalated) > 0 {
		kept := result.Deferred[:0]
		for _, item := range result.Deferred {
			if !escalated[item.ID] {
				kept = append(kept, item)
			}
		}
		result.Deferred = kept
	}

	return result
}

// classify computes the overlap set and its severity for one pair.
// Returns an empty severity when the pair does not conflict at all.
func (r *Resolver) classify(a, b *models.WorkItem) ([]models.ResourceKey, models.Severity) {
	var exact, prefixed []models.ResourceKey
	for _, ca := range a.ResourceClaims {
		for _, cb := range b.ResourceClaims {
			switch {
			case ca == cb:
				exact = append(exact, ca)
			case isPathPrefix(ca, cb):
				prefixed = append(prefixed, cb)
			case isPathPrefix(cb, ca):
				prefixed = append(prefixed, ca)
			}
		}
	}

	if len(exact) > 0 {
		return dedupe(exact), r.policy.SameResource
	}
	if len(prefixed) > 0 {
		return dedupe(prefixed), r.policy.PrefixOverlap
	}
	if a.OwnerRole != "" && a.OwnerRole == b.OwnerRole {
		return nil, r.policy.SameOwner
	}
	return nil, ""
}

// lowerPriority returns the member to evict, or nil if priorities tie.
func lowerPriority(a, b *models.WorkItem) *models.WorkItem {
	switch {
	case a.Priority < b.Priority:
		return a
	case b.Priority < a.Priority:
		return b
	default:
		return nil
	}
}

// isPathPrefix reports whether prefix is a path-segment prefix of key
// ("src/auth" covers "src/auth/login.ts" but not "src/authx").
func isPathPrefix(prefix, key models.ResourceKey) bool {
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	trimmed := strings.TrimSuffix(prefix, "/")
	rest := key[len(trimmed):]
	return strings.HasPrefix(rest, "/")
}

func dedupe(keys []models.ResourceKey) []models.ResourceKey {
	seen := make(map[models.ResourceKey]bool, len(keys))
	var out []models.ResourceKey
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
