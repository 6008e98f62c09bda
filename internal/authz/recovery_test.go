package authz

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velro/authcore/internal/audit"
)

type captureSink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Write(ctx context.Context, event *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) all() []*audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*audit.Event(nil), s.events...)
}

func fallbackRequest(principal string, access AccessType) *Request {
	return &Request{
		Principal:    Principal{ID: principal},
		ResourceID:   idRes,
		ResourceType: ResourceGeneration,
		Access:       access,
		Context:      &SecurityContext{ClientIP: "203.0.113.10"},
	}
}

func TestFallbackOwnerRead(t *testing.T) {
	store := newFakeStore()
	store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner}
	sink := &captureSink{}
	pipeline := audit.NewPipeline([]audit.Sink{sink}, nil, nil, 0)
	fb := NewEmergencyFallback(store, pipeline, nil)

	resp := fb.Decide(context.Background(), fallbackRequest(idOwner, AccessRead), "layer access_control: panic", "corr-emergency-1")

	assert.True(t, resp.Granted)
	assert.Equal(t, MethodEmergency, resp.Method)
	assert.Equal(t, ThreatOrange, resp.ThreatLevel)
	assert.Equal(t, "emergency", resp.SystemUsed)
	assert.Equal(t, "corr-emergency-1", resp.CorrelationID)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventEmergencyFallback, events[0].EventType)
	assert.Equal(t, audit.SeverityCritical, events[0].Severity)
	assert.Equal(t, resp.CorrelationID, events[0].CorrelationID)
	assert.True(t, events[0].VerifyChecksum())
}

func TestFallbackDeniesWrites(t *testing.T) {
	store := newFakeStore()
	store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner}
	fb := NewEmergencyFallback(store, nil, nil)

	resp := fb.Decide(context.Background(), fallbackRequest(idOwner, AccessWrite), "timeout", "corr-emergency-2")
	assert.False(t, resp.Granted)
	assert.Equal(t, "emergency_deny_default", resp.DenialReason)
}

func TestFallbackPublicReadVisibility(t *testing.T) {
	store := newFakeStore()
	store.resources[idRes] = &Resource{ID: idRes, Type: ResourceGeneration, OwnerID: idOwner, ProjectID: strPtr(idProj)}
	store.projects[idProj] = &Project{ID: idProj, OwnerID: idOwner, Visibility: VisibilityPublicRead}
	fb := NewEmergencyFallback(store, nil, nil)

	resp := fb.Decide(context.Background(), fallbackRequest(idOther, AccessRead), "timeout", "corr-emergency-3")
	assert.True(t, resp.Granted)
}

func TestFallbackDeniesWhenStoreDown(t *testing.T) {
	store := newFakeStore()
	store.err = assert.AnError
	fb := NewEmergencyFallback(store, nil, nil)

	resp := fb.Decide(context.Background(), fallbackRequest(idOwner, AccessRead), "store down", "corr-emergency-4")
	assert.False(t, resp.Granted)
}

func TestFallbackAuditDenialCarriesCorrelationID(t *testing.T) {
	store := newFakeStore()
	store.err = assert.AnError
	sink := &captureSink{}
	pipeline := audit.NewPipeline([]audit.Sink{sink}, nil, nil, 0)
	fb := NewEmergencyFallback(store, pipeline, nil)

	resp := fb.Decide(context.Background(), fallbackRequest(idOwner, AccessRead), "store down", "corr-emergency-5")
	require.False(t, resp.Granted)
	assert.Equal(t, "corr-emergency-5", resp.CorrelationID)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "corr-emergency-5", events[0].CorrelationID)
}
