package store

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/velro/authcore/internal/cache"
)

// CacheSource feeds the warming planner from the relational store. Each
// fetched value carries the tags that later invalidate it.
type CacheSource struct {
	store *PostgresStore
}

// NewCacheSource creates a warming source over the store.
func NewCacheSource(store *PostgresStore) *CacheSource {
	return &CacheSource{store: store}
}

// Fetch loads the object behind a ref.
func (s *CacheSource) Fetch(ctx context.Context, ref cache.Ref) ([]byte, []string, error) {
	switch ref.Kind {
	case cache.KindResource, cache.KindGeneration:
		resource, err := s.store.GetResource(ctx, ref.ResourceID)
		if err != nil {
			return nil, nil, err
		}
		value, err := json.Marshal(resource)
		if err != nil {
			return nil, nil, err
		}
		tags := []string{
			cache.UserTag(ref.PrincipalID),
			cache.ResourceTag(ref.ResourceID),
		}
		if ref.Kind == cache.KindGeneration {
			tags = append(tags, cache.GenerationTag(ref.ResourceID))
		}
		if resource.ProjectID != nil && *resource.ProjectID != "" {
			tags = append(tags, cache.ProjectTag(*resource.ProjectID))
		}
		return value, tags, nil

	case cache.KindProject:
		project, err := s.store.GetProject(ctx, ref.ResourceID)
		if err != nil {
			return nil, nil, err
		}
		value, err := json.Marshal(project)
		if err != nil {
			return nil, nil, err
		}
		return value, []string{
			cache.UserTag(ref.PrincipalID),
			cache.ProjectTag(ref.ResourceID),
		}, nil

	case cache.KindTeam:
		// The warmed team object is the principal's role set, the
		// input the resolver consults on every team-scoped decision.
		memberships, err := s.store.GetMemberships(ctx, ref.PrincipalID)
		if err != nil {
			return nil, nil, err
		}
		value, err := json.Marshal(memberships)
		if err != nil {
			return nil, nil, err
		}
		tags := []string{cache.UserTag(ref.PrincipalID)}
		if ref.ResourceID != "" && ref.ResourceID != ref.PrincipalID {
			tags = append(tags, cache.TeamTag(ref.ResourceID))
		}
		return value, tags, nil

	case cache.KindProfile, cache.KindSession, cache.KindConfig:
		// Lightweight envelopes; the payload is the identity of the
		// warmed slot, the value of the warm-up is key residency.
		value, err := json.Marshal(map[string]string{
			"principal_id": ref.PrincipalID,
			"kind":         string(ref.Kind),
			"resource_id":  ref.ResourceID,
		})
		if err != nil {
			return nil, nil, err
		}
		return value, []string{cache.UserTag(ref.PrincipalID)}, nil

	default:
		return nil, nil, fmt.Errorf("unknown cache kind %q", ref.Kind)
	}
}
