// Package federation exposes the workflow core to peer agents and lets it
// delegate stage work outward. The wire contract is plain HTTP+JSON: a
// well-known agent card advertises capabilities, and a small task resource
// mirrors workflow runs across the boundary.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/chimera-agents/chimera/pkg/config"
	"github.com/chimera-agents/chimera/pkg/errors"
	"github.com/chimera-agents/chimera/pkg/skill"
)

// WellKnownCardPath is where every agent publishes its card.
const WellKnownCardPath = "/.well-known/agent-card.json"

// Capability advertises one skill a peer may delegate to this agent.
type Capability struct {
	Type       string   `json:"type"`
	Version    string   `json:"version"`
	Parameters []string `json:"parameters,omitempty"`
	CostUnits  int      `json:"cost_units"`
	SLAMillis  int64    `json:"sla_millis"`
}

// AgentCard is the capability advertisement document. Cards are
// non-authoritative caches of peer state: a stale card may promise a
// capability the peer meanwhile dropped, so acceptance is re-checked at
// task submission.
type AgentCard struct {
	Name         string       `json:"name"`
	BaseURL      string       `json:"base_url,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	IssuedAt     time.Time    `json:"issued_at"`
	TTLSeconds   int64        `json:"ttl_seconds"`
}

// Expired reports whether the card's validity window has passed.
func (c AgentCard) Expired(now time.Time) bool {
	if c.TTLSeconds <= 0 {
		return false
	}
	return now.After(c.IssuedAt.Add(time.Duration(c.TTLSeconds) * time.Second))
}

// Supports returns the advertised capability matching type and version.
// An empty version matches any advertised version of the type.
func (c AgentCard) Supports(capType, version string) (Capability, bool) {
	for _, cap := range c.Capabilities {
		if cap.Type != capType {
			continue
		}
		if version == "" || cap.Version == version {
			return cap, true
		}
	}
	return Capability{}, false
}

// BuildCard assembles this agent's card from its registered contracts.
func BuildCard(cfg config.FederationConfig, registry *skill.Registry, slaPerSkill time.Duration) AgentCard {
	contracts := registry.Contracts()
	caps := make([]Capability, 0, len(contracts))
	for _, contract := range contracts {
		params := make([]string, 0, len(contract.Input))
		for field := range contract.Input {
			params = append(params, field)
		}
		sort.Strings(params)
		caps = append(caps, Capability{
			Type:       contract.Name,
			Version:    contract.Version,
			Parameters: params,
			CostUnits:  1,
			SLAMillis:  slaPerSkill.Milliseconds(),
		})
	}
	return AgentCard{
		Name:         cfg.AgentName,
		BaseURL:      cfg.BaseURL,
		Capabilities: caps,
		IssuedAt:     time.Now().UTC(),
		TTLSeconds:   int64(cfg.CardTTL / time.Second),
	}
}

// FetchCard retrieves a peer's card from its well-known location.
func FetchCard(ctx context.Context, client *http.Client, baseURL string) (AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+WellKnownCardPath, nil)
	if err != nil {
		return AgentCard{}, errors.New(errors.CodeExecution, "build card request", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return AgentCard{}, errors.New(errors.CodeExecution,
			fmt.Sprintf("fetch card from %s", baseURL), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return AgentCard{}, errors.New(errors.CodeExecution,
			fmt.Sprintf("peer %s returned %d for its card", baseURL, resp.StatusCode), nil)
	}
	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return AgentCard{}, errors.New(errors.CodeExecution, "decode peer card", err)
	}
	if card.BaseURL == "" {
		card.BaseURL = baseURL
	}
	return card, nil
}
