package authz

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Denial reason subcategories surfaced to audit sinks.
const (
	ReasonNotOwner             = "not_owner"
	ReasonInsufficientTeamRole = "insufficient_team_permissions"
	ReasonPrivateProject       = "private_project"
	ReasonVisibility           = "project_visibility_restricted"
	ReasonInheritanceExhausted = "inheritance_exhausted"
	ReasonInheritanceCycle     = "inheritance_cycle"
)

// ErrInheritanceCycle marks a generation parent chain that loops back
// on itself.
var ErrInheritanceCycle = errors.New("generation parent chain contains a cycle")

// Resolution is the outcome of access resolution, with the tag
// dependencies the decision cache entry must carry.
type Resolution struct {
	Granted       bool
	Method        AccessMethod
	Reason        string
	EffectiveRole Role
	TeamID        string
	Depth         int
	// DependsOnProjects and DependsOnTeams list every project and team
	// the decision transitively consulted; invalidating any of them
	// invalidates the cached decision.
	DependsOnProjects []string
	DependsOnTeams    []string
}

// Resolver walks the access resolution order: direct ownership, project
// ownership, team membership, project visibility, then generation
// parent inheritance under the depth guard.
type Resolver struct {
	store    ResourceStore
	maxDepth int
}

// NewResolver creates the resolver. maxDepth zero means 10.
func NewResolver(store ResourceStore, maxDepth int) *Resolver {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	return &Resolver{store: store, maxDepth: maxDepth}
}

// Resolve decides whether the principal has the requested access on the
// resource. Store failures surface as errors; a nil error always
// carries a definite grant or denial.
func (r *Resolver) Resolve(ctx context.Context, principal Principal, resource *Resource, access AccessType) (*Resolution, error) {
	res := &Resolution{}
	visited := map[string]bool{}

	current := resource
	for depth := 0; ; depth++ {
		if depth > r.maxDepth {
			res.Reason = ReasonInheritanceExhausted
			res.Depth = depth
			return res, nil
		}
		if visited[current.ID] {
			res.Reason = ReasonInheritanceCycle
			res.Depth = depth
			return res, ErrInheritanceCycle
		}
		visited[current.ID] = true
		res.Depth = depth

		decided, err := r.resolveOne(ctx, principal, current, access, depth, res)
		if err != nil {
			return nil, err
		}
		if decided {
			return res, nil
		}

		// Step 4: retry on the parent generation, if any.
		if current.Type != ResourceGeneration || current.ParentID == nil || *current.ParentID == "" {
			if res.Reason == "" {
				res.Reason = ReasonNotOwner
			}
			return res, nil
		}
		parent, err := r.store.GetResource(ctx, *current.ParentID)
		if err != nil {
			return nil, fmt.Errorf("fetch parent generation %s: %w", *current.ParentID, err)
		}
		current = parent
	}
}

// resolveOne applies steps 1-3 to a single resource. It reports whether
// the resolution is final; a false return falls through to inheritance.
func (r *Resolver) resolveOne(ctx context.Context, principal Principal, resource *Resource, access AccessType, depth int, res *Resolution) (bool, error) {
	// Step 1: direct ownership carries full CRUD plus share.
	if resource.OwnerID == principal.ID {
		res.Granted = true
		res.Method = methodAt(MethodDirectOwnership, depth)
		return true, nil
	}

	if resource.ProjectID == nil || *resource.ProjectID == "" {
		// Nothing project-scoped to consult; inheritance may still
		// apply.
		res.Reason = ReasonNotOwner
		return false, nil
	}
	projectID := *resource.ProjectID

	// The project and the membership set are independent lookups; the
	// latency budget requires them in flight together.
	var (
		wg          sync.WaitGroup
		project     *Project
		memberships map[string]Role
		projectErr  error
		memberErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		project, projectErr = r.store.GetProject(ctx, projectID)
	}()
	go func() {
		defer wg.Done()
		memberships = principal.Teams
		if memberships == nil {
			memberships, memberErr = r.store.GetMemberships(ctx, principal.ID)
		}
	}()
	wg.Wait()
	if projectErr != nil {
		return false, fmt.Errorf("fetch project %s: %w", projectID, projectErr)
	}
	if memberErr != nil {
		return false, fmt.Errorf("fetch memberships for %s: %w", principal.ID, memberErr)
	}

	res.DependsOnProjects = append(res.DependsOnProjects, projectID)

	// Step 2a: project ownership.
	if project.OwnerID == principal.ID {
		res.Granted = true
		res.Method = methodAt(MethodProjectOwnership, depth)
		return true, nil
	}

	// Step 2b: team membership through team-project links.
	links, err := r.store.GetTeamProjectLinks(ctx, projectID)
	if err != nil {
		return false, fmt.Errorf("fetch team links for project %s: %w", projectID, err)
	}

	required := RequiredRole(access, false)
	sawLinkedTeam := false
	var bestRole Role
	var bestTeam string
	for _, link := range links {
		memberRole, isMember := memberships[link.TeamID]
		if !isMember {
			continue
		}
		sawLinkedTeam = true
		res.DependsOnTeams = append(res.DependsOnTeams, link.TeamID)
		effective := MinRole(memberRole, link.Role)
		if effective.Level() > bestRole.Level() {
			bestRole = effective
			bestTeam = link.TeamID
		}
	}
	if sawLinkedTeam && bestRole.Satisfies(required) {
		res.Granted = true
		res.Method = methodAt(MethodTeamMembership, depth)
		res.EffectiveRole = bestRole
		res.TeamID = bestTeam
		return true, nil
	}

	// Step 3: project visibility.
	switch project.Visibility {
	case VisibilityPublicFull:
		if access == AccessRead || access == AccessShare {
			res.Granted = true
			res.Method = methodAt(MethodVisibility, depth)
			return true, nil
		}
		res.Reason = ReasonVisibility
	case VisibilityPublicRead:
		if access == AccessRead {
			res.Granted = true
			res.Method = methodAt(MethodVisibility, depth)
			return true, nil
		}
		res.Reason = ReasonVisibility
	case VisibilityTeamOpen:
		// Any team membership grants read/write bounded by the best
		// membership role.
		if len(memberships) > 0 && (access == AccessRead || access == AccessWrite) {
			best := bestMembershipRole(memberships)
			if best.Satisfies(RequiredRole(access, false)) {
				res.Granted = true
				res.Method = methodAt(MethodVisibility, depth)
				res.EffectiveRole = best
				return true, nil
			}
		}
		res.Reason = ReasonInsufficientTeamRole
	case VisibilityTeamRestricted:
		if sawLinkedTeam && access == AccessRead {
			res.Granted = true
			res.Method = methodAt(MethodVisibility, depth)
			res.EffectiveRole = bestRole
			res.TeamID = bestTeam
			return true, nil
		}
		res.Reason = ReasonInsufficientTeamRole
	case VisibilityPrivate:
		res.Reason = ReasonPrivateProject
	default:
		res.Reason = ReasonVisibility
	}

	// Pick the most specific denial: a team the principal belongs to
	// with too little privilege beats a generic visibility denial.
	if sawLinkedTeam {
		res.Reason = ReasonInsufficientTeamRole
	}
	return false, nil
}

// methodAt reports the granted method, folding any grant found above
// depth zero into generation inheritance.
func methodAt(method AccessMethod, depth int) AccessMethod {
	if depth > 0 {
		return MethodInheritance
	}
	return method
}

func bestMembershipRole(memberships map[string]Role) Role {
	var best Role
	for _, role := range memberships {
		if role.Level() > best.Level() {
			best = role
		}
	}
	return best
}
