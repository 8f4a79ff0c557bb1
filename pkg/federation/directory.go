package federation

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chimera-agents/chimera/pkg/config"
	"github.com/chimera-agents/chimera/pkg/telemetry"
)

// PeerDirectory caches peer agent cards and refreshes them on a fixed
// interval. Cards past their TTL are dropped; a peer with no live card is
// invisible until the next successful fetch. The cache is advisory only:
// a peer may reject at accept-time regardless of what its card promised.
type PeerDirectory struct {
	cfg    config.FederationConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cards map[string]AgentCard

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPeerDirectory builds a directory over the configured peer base URLs.
func NewPeerDirectory(cfg config.FederationConfig, client *http.Client) *PeerDirectory {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &PeerDirectory{
		cfg:    cfg,
		client: client,
		logger: telemetry.ComponentLogger("federation"),
		now:    time.Now,
		cards:  make(map[string]AgentCard),
	}
}

// Start begins the refresh loop. The first refresh runs immediately.
func (d *PeerDirectory) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})

	interval := d.cfg.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		defer close(d.done)
		d.RefreshOnce(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.RefreshOnce(ctx)
			}
		}
	}()
}

// Stop halts the refresh loop.
func (d *PeerDirectory) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

// RefreshOnce fetches every configured peer's card. A failed fetch keeps
// the previous card until it expires on its own.
func (d *PeerDirectory) RefreshOnce(ctx context.Context) {
	for _, peer := range d.cfg.Peers {
		card, err := FetchCard(ctx, d.client, peer)
		if err != nil {
			d.logger.Warn("federation.card_refresh_failed", "peer", peer, "error", err)
			continue
		}
		d.mu.Lock()
		d.cards[peer] = card
		d.mu.Unlock()
		d.logger.Debug("federation.card_refreshed",
			"peer", peer, "capabilities", len(card.Capabilities))
	}
	d.expire()
}

func (d *PeerDirectory) expire() {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for peer, card := range d.cards {
		if card.Expired(now) {
			delete(d.cards, peer)
			d.logger.Info("federation.card_expired", "peer", peer)
		}
	}
}

// Cards returns all live peer cards.
func (d *PeerDirectory) Cards() []AgentCard {
	d.expire()
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]AgentCard, 0, len(d.cards))
	for _, card := range d.cards {
		out = append(out, card)
	}
	return out
}

// Supporting returns peers whose live cards advertise the capability.
func (d *PeerDirectory) Supporting(capability, version string) []AgentCard {
	var out []AgentCard
	for _, card := range d.Cards() {
		if _, ok := card.Supports(capability, version); ok {
			out = append(out, card)
		}
	}
	return out
}
