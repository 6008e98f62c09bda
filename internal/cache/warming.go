package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/velro/authcore/internal/metrics"
)

// Source produces the value and tags for a warmed ref. The
// authorization side implements it on top of the persistent store.
type Source interface {
	Fetch(ctx context.Context, ref Ref) (value []byte, tags []string, err error)
}

// PlannerConfig tunes the warming planner.
type PlannerConfig struct {
	RecentGenerations   int           // bundle size on login, default 20
	PredictiveCooldown  time.Duration // per principal, default 30m
	MinEffectiveness    float64       // predictive floor, default 0.3
	PredictedKeysPerRun int           // default 5
	EffectivenessDecay  float64       // per idle hour, default 0.1
	MinSequenceLength   int           // regularity floor, default 10
}

func (c *PlannerConfig) withDefaults() {
	if c.RecentGenerations <= 0 {
		c.RecentGenerations = 20
	}
	if c.PredictiveCooldown <= 0 {
		c.PredictiveCooldown = 30 * time.Minute
	}
	if c.MinEffectiveness <= 0 {
		c.MinEffectiveness = 0.3
	}
	if c.PredictedKeysPerRun <= 0 {
		c.PredictedKeysPerRun = 5
	}
	if c.EffectivenessDecay <= 0 {
		c.EffectivenessDecay = 0.1
	}
	if c.MinSequenceLength <= 0 {
		c.MinSequenceLength = 10
	}
}

type principalWarmState struct {
	lastWarmed     time.Time
	lastActivity   time.Time
	lastDecay      time.Time
	effectiveness  float64
	warms          int64
	predictiveHits int64
	predicted      map[Ref]struct{}
}

// Planner schedules cache warm-ups. Triggered warmers run on login,
// generation creation, and team access; the predictive loop warms the
// top predicted keys for principals whose past predictions paid off.
type Planner struct {
	engine *Engine
	source Source
	cfg    PlannerConfig
	logger *slog.Logger

	mu         sync.Mutex
	principals map[string]*principalWarmState
}

// NewPlanner creates the planner and hooks it into the engine's access
// stream.
func NewPlanner(engine *Engine, source Source, cfg PlannerConfig, logger *slog.Logger) *Planner {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Planner{
		engine:     engine,
		source:     source,
		cfg:        cfg,
		logger:     logger,
		principals: make(map[string]*principalWarmState),
	}
	engine.SetAccessObserver(p.observe)
	return p
}

// OnLogin warms the principal's session bundle: profile, session,
// memberships, authorization context, and recent generations with
// their predicted companions.
func (p *Planner) OnLogin(ctx context.Context, principalID, sessionID string, recentGenerationIDs []string) {
	refs := []Ref{
		{PrincipalID: principalID, Kind: KindProfile, ResourceID: principalID, Op: "read"},
		{PrincipalID: principalID, Kind: KindSession, ResourceID: sessionID, Op: "read"},
		{PrincipalID: principalID, Kind: KindTeam, ResourceID: principalID, Op: "read"},
		{PrincipalID: principalID, Kind: KindConfig, ResourceID: principalID, Op: "read"},
	}
	if len(recentGenerationIDs) > p.cfg.RecentGenerations {
		recentGenerationIDs = recentGenerationIDs[:p.cfg.RecentGenerations]
	}
	for _, genID := range recentGenerationIDs {
		refs = append(refs, p.generationBundle(principalID, genID)...)
	}
	p.warm(ctx, "login", refs)
}

// OnGenerationCreate warms the new generation's read-authorization key
// and its media-metadata companion.
func (p *Planner) OnGenerationCreate(ctx context.Context, principalID, generationID string) {
	p.warm(ctx, "generation_create", p.generationBundle(principalID, generationID))
}

// OnTeamAccess warms the team-member and team-shared-resources keys.
func (p *Planner) OnTeamAccess(ctx context.Context, principalID, teamID string) {
	p.warm(ctx, "team_access", []Ref{
		{PrincipalID: principalID, Kind: KindTeam, ResourceID: teamID, Op: "read"},
		{PrincipalID: principalID, Kind: KindTeam, ResourceID: teamID, Op: "share"},
	})
}

// generationBundle is the rule-table expansion for one generation: its
// read-authorization key plus the companion media-metadata key.
func (p *Planner) generationBundle(principalID, generationID string) []Ref {
	return []Ref{
		{PrincipalID: principalID, Kind: KindGeneration, ResourceID: generationID, Op: "read"},
		{PrincipalID: principalID, Kind: KindResource, ResourceID: generationID, Op: "read"},
	}
}

// PredictiveRun executes one predictive pass. Wired as a background
// loop.
func (p *Planner) PredictiveRun(ctx context.Context) error {
	now := time.Now()
	for _, principalID := range p.engine.Analytics().Principals() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		seq := p.engine.Analytics().Sequence(principalID)
		if len(seq) < p.cfg.MinSequenceLength {
			continue
		}

		p.mu.Lock()
		state := p.stateLocked(principalID)
		p.decayLocked(state, now)
		eligible := now.Sub(state.lastWarmed) >= p.cfg.PredictiveCooldown &&
			(state.warms == 0 || state.effectiveness >= p.cfg.MinEffectiveness)
		p.mu.Unlock()
		if !eligible {
			continue
		}

		refs := topRefs(seq, p.cfg.PredictedKeysPerRun)

		p.mu.Lock()
		state.lastWarmed = now
		state.warms += int64(len(refs))
		for _, ref := range refs {
			state.predicted[ref] = struct{}{}
		}
		p.mu.Unlock()

		p.warm(ctx, "predictive", refs)
	}
	return nil
}

// WarmingHitRate reports predictive hits over total warms for one
// principal.
func (p *Planner) WarmingHitRate(principalID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.principals[principalID]
	if !ok || state.warms == 0 {
		return 0
	}
	return float64(state.predictiveHits) / float64(state.warms)
}

func (p *Planner) warm(ctx context.Context, trigger string, refs []Ref) {
	for _, ref := range refs {
		ref := ref
		metrics.CacheWarmups.WithLabelValues(trigger).Inc()
		_, _, err := p.engine.Get(ctx, ref, true, func(ctx context.Context) ([]byte, []string, error) {
			return p.source.Fetch(ctx, ref)
		})
		if err != nil {
			p.logger.Debug("warm-up fetch failed",
				"trigger", trigger, "pattern", ref.Pattern(), "error", err)
		}
	}
}

// observe is the engine's access observer. A hit on a predicted key
// raises the principal's effectiveness; any access refreshes the
// activity clock.
func (p *Planner) observe(ref Ref, hit bool) {
	if ref.PrincipalID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	state := p.stateLocked(ref.PrincipalID)
	state.lastActivity = time.Now()
	if !hit {
		return
	}
	if _, ok := state.predicted[ref]; ok {
		delete(state.predicted, ref)
		state.predictiveHits++
		if state.warms > 0 {
			state.effectiveness = float64(state.predictiveHits) / float64(state.warms)
		}
	}
}

func (p *Planner) stateLocked(principalID string) *principalWarmState {
	state, ok := p.principals[principalID]
	if !ok {
		state = &principalWarmState{
			effectiveness: 1.0, // fresh principals start eligible
			predicted:     make(map[Ref]struct{}),
		}
		p.principals[principalID] = state
	}
	return state
}

// decayLocked applies one decay step per full idle hour that has not
// already been charged.
func (p *Planner) decayLocked(state *principalWarmState, now time.Time) {
	if state.lastActivity.IsZero() {
		return
	}
	since := state.lastActivity
	if state.lastDecay.After(since) {
		since = state.lastDecay
	}
	idleHours := int(now.Sub(since).Hours())
	for i := 0; i < idleHours; i++ {
		state.effectiveness *= 1 - p.cfg.EffectivenessDecay
	}
	if idleHours > 0 {
		state.lastDecay = now
	}
}

// topRefs ranks the sequence's refs by frequency and returns the n most
// frequent, ties broken by recency.
func topRefs(seq []Ref, n int) []Ref {
	counts := make(map[Ref]int, len(seq))
	lastIdx := make(map[Ref]int, len(seq))
	for i, ref := range seq {
		counts[ref]++
		lastIdx[ref] = i
	}

	refs := make([]Ref, 0, len(counts))
	for ref := range counts {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if counts[refs[i]] != counts[refs[j]] {
			return counts[refs[i]] > counts[refs[j]]
		}
		return lastIdx[refs[i]] > lastIdx[refs[j]]
	})

	if len(refs) > n {
		refs = refs[:n]
	}
	return refs
}
