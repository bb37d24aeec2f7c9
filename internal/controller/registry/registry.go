// Package registry maintains the index of live agents on the controller.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/ogent/ogent/internal/common/errors"
	"github.com/ogent/ogent/internal/common/logger"
	"github.com/ogent/ogent/internal/events/bus"
	"github.com/ogent/ogent/pkg/protocol"
)

// Agent is a live agent record. Remote marks agents whose session lives on a
// peer replica, mirrored here from presence events; they have no local
// session id. Values returned by the registry are snapshots; callers must not
// retain references expecting mutation.
type Agent struct {
	AgentID     string             `json:"agent_id"`
	SessionID   string             `json:"session_id,omitempty"`
	ConnectedAt time.Time          `json:"connected_at"`
	Info        protocol.AgentInfo `json:"info"`
	Remote      bool               `json:"remote,omitempty"`
}

// Registry is the in-memory index of live agents. All operations are atomic
// with respect to each other under a single lock; presence events are
// published outside the lock. Presence events from peer replicas are mirrored
// as Remote records so dispatch can resolve agents held elsewhere.
type Registry struct {
	mu        sync.RWMutex
	byAgent   map[string]*Agent // agent_id -> record
	bySession map[string]string // session_id -> agent_id

	replicaID   string
	eventBus    bus.EventBus
	presenceSub bus.Subscription
	logger      *logger.Logger
}

// NewRegistry creates an empty agent registry. The event bus is optional;
// when present, registrations and departures are published on the presence
// subject and peer presence is mirrored.
func NewRegistry(eventBus bus.EventBus, log *logger.Logger) *Registry {
	r := &Registry{
		byAgent:   make(map[string]*Agent),
		bySession: make(map[string]string),
		replicaID: uuid.New().String(),
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "agent_registry")),
	}

	if eventBus != nil {
		sub, err := eventBus.Subscribe(bus.SubjectPresence, r.observePresence)
		if err != nil {
			r.logger.Warn("Presence subscription failed", zap.Error(err))
		} else {
			r.presenceSub = sub
		}
	}
	return r
}

// Register binds an agent id to a live session. When agentID is empty one is
// synthesized from the session id. A registration under an existing agent id
// evicts the stale session: the previous session id is unbound and returned.
// A local registration overrides a mirrored peer record.
func (r *Registry) Register(sessionID, agentID string, info protocol.AgentInfo) (*Agent, string) {
	if agentID == "" {
		agentID = fmt.Sprintf("agent-%s", sessionID)
	}
	if info == nil {
		info = protocol.AgentInfo{}
	}

	r.mu.Lock()

	evictedSession := ""
	if existing, ok := r.byAgent[agentID]; ok && !existing.Remote && existing.SessionID != sessionID {
		evictedSession = existing.SessionID
		delete(r.bySession, existing.SessionID)
	}

	agent := &Agent{
		AgentID:     agentID,
		SessionID:   sessionID,
		ConnectedAt: time.Now().UTC(),
		Info:        info,
	}
	r.byAgent[agentID] = agent
	r.bySession[sessionID] = agentID
	snapshot := agent.snapshot()

	r.mu.Unlock()

	r.logger.Info("Agent registered",
		zap.String("agent_id", agentID),
		zap.String("session_id", sessionID),
		zap.String("evicted_session", evictedSession),
	)
	r.publishPresence("agent_connected", snapshot)

	return snapshot, evictedSession
}

// Unregister removes the agent bound to agentID. It is idempotent: removing
// an absent agent leaves the registry unchanged.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()

	agent, ok := r.byAgent[agentID]
	if ok {
		delete(r.byAgent, agentID)
		delete(r.bySession, agent.SessionID)
	}
	var snapshot *Agent
	if ok {
		snapshot = agent.snapshot()
	}

	r.mu.Unlock()

	if ok {
		r.logger.Info("Agent unregistered", zap.String("agent_id", agentID))
		r.publishPresence("agent_disconnected", snapshot)
	}
}

// UnregisterSession removes the agent bound to the given session, if any.
// A session that was evicted by a newer registration no longer owns its old
// agent id and is ignored.
func (r *Registry) UnregisterSession(sessionID string) (string, bool) {
	r.mu.RLock()
	agentID, ok := r.bySession[sessionID]
	r.mu.RUnlock()

	if !ok {
		return "", false
	}
	r.Unregister(agentID)
	return agentID, true
}

// Get returns a snapshot of the agent with the given id.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.byAgent[agentID]
	if !ok {
		return nil, apperrors.AgentNotFound(agentID)
	}
	return agent.snapshot(), nil
}

// BySession returns a snapshot of the agent bound to the given session.
func (r *Registry) BySession(sessionID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agentID, ok := r.bySession[sessionID]
	if !ok {
		return nil, apperrors.AgentNotFound(sessionID)
	}
	return r.byAgent[agentID].snapshot(), nil
}

// List returns snapshots of all live agents, mirrored peers included.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*Agent, 0, len(r.byAgent))
	for _, agent := range r.byAgent {
		agents = append(agents, agent.snapshot())
	}
	return agents
}

// UpdateInfo merges capability info into the agent record.
func (r *Registry) UpdateInfo(agentID string, info protocol.AgentInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.byAgent[agentID]
	if !ok {
		return apperrors.AgentNotFound(agentID)
	}
	agent.Info = agent.Info.Merge(info)
	return nil
}

// Count returns the number of live agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAgent)
}

// Close drops the presence subscription.
func (r *Registry) Close() {
	if r.presenceSub != nil {
		_ = r.presenceSub.Unsubscribe()
	}
}

func (a *Agent) snapshot() *Agent {
	info := make(protocol.AgentInfo, len(a.Info))
	for k, v := range a.Info {
		info[k] = v
	}
	return &Agent{
		AgentID:     a.AgentID,
		SessionID:   a.SessionID,
		ConnectedAt: a.ConnectedAt,
		Info:        info,
		Remote:      a.Remote,
	}
}

func (r *Registry) publishPresence(eventType string, agent *Agent) {
	if r.eventBus == nil || agent.Remote {
		return
	}
	event := bus.NewEvent(eventType, "controller", map[string]interface{}{
		"agent_id":   agent.AgentID,
		"session_id": agent.SessionID,
		"info":       agent.Info,
		"replica":    r.replicaID,
	})
	if err := r.eventBus.Publish(context.Background(), bus.SubjectPresence, event); err != nil {
		r.logger.Warn("Failed to publish presence event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// observePresence mirrors peer registrations as Remote records. Events from
// this replica are ignored; a locally held agent always wins over a mirror.
func (r *Registry) observePresence(ctx context.Context, event *bus.Event) error {
	if replica, _ := event.Data["replica"].(string); replica == "" || replica == r.replicaID {
		return nil
	}
	agentID, _ := event.Data["agent_id"].(string)
	if agentID == "" {
		return nil
	}

	switch event.Type {
	case "agent_connected":
		r.mu.Lock()
		if existing, ok := r.byAgent[agentID]; ok && !existing.Remote {
			r.mu.Unlock()
			return nil
		}
		r.byAgent[agentID] = &Agent{
			AgentID:     agentID,
			ConnectedAt: time.Now().UTC(),
			Info:        presenceInfo(event.Data["info"]),
			Remote:      true,
		}
		r.mu.Unlock()
		r.logger.Info("Peer agent mirrored", zap.String("agent_id", agentID))

	case "agent_disconnected":
		r.mu.Lock()
		if existing, ok := r.byAgent[agentID]; ok && existing.Remote {
			delete(r.byAgent, agentID)
		}
		r.mu.Unlock()
	}
	return nil
}

// presenceInfo recovers the info map from a presence event. The in-memory bus
// hands the map through as-is; NATS delivers it JSON-decoded.
func presenceInfo(raw interface{}) protocol.AgentInfo {
	switch m := raw.(type) {
	case protocol.AgentInfo:
		info := make(protocol.AgentInfo, len(m))
		for k, v := range m {
			info[k] = v
		}
		return info
	case map[string]interface{}:
		return protocol.AgentInfo(m)
	default:
		return protocol.AgentInfo{}
	}
}
