package relay

import (
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	relayerrors "github.com/mbetamony/manuscript-relay/internal/errors"
	"github.com/mbetamony/manuscript-relay/internal/metrics"
)

// Directory resolves a document key to its single coordinator instance,
// creating one lazily on first lookup. All traffic for the same key lands on
// the same coordinator; coordinators live until Stop.
type Directory struct {
	mu           sync.Mutex
	coordinators map[string]*Coordinator
	bridge       Bridge
	clock        clockwork.Clock
	maxClients   int
	allowKeyless bool
}

// NewDirectory creates an empty directory. When allowKeyless is true,
// requests without a document key collapse onto one shared fallback
// coordinator instead of being rejected.
func NewDirectory(bridge Bridge, clock clockwork.Clock, maxClients int, allowKeyless bool) *Directory {
	return &Directory{
		coordinators: make(map[string]*Coordinator),
		bridge:       bridge,
		clock:        clock,
		maxClients:   maxClients,
		allowKeyless: allowKeyless,
	}
}

// Get returns the coordinator for key, creating it on first access.
func (d *Directory) Get(key string) (*Coordinator, error) {
	if key == "" && !d.allowKeyless {
		return nil, relayerrors.Validation("missing document key")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.coordinators[key]; ok {
		return c, nil
	}

	c := NewCoordinator(key, d.bridge, d.clock, d.maxClients)
	d.coordinators[key] = c
	metrics.ActiveDocuments.Set(float64(len(d.coordinators)))
	slog.Info("Coordinator created", "document_key", key, "total_documents", len(d.coordinators))
	return c, nil
}

// Len returns the number of live coordinators.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.coordinators)
}

// Stop shuts down every coordinator and empties the directory.
func (d *Directory) Stop() {
	d.mu.Lock()
	coordinators := make([]*Coordinator, 0, len(d.coordinators))
	for key, c := range d.coordinators {
		coordinators = append(coordinators, c)
		delete(d.coordinators, key)
	}
	metrics.ActiveDocuments.Set(0)
	d.mu.Unlock()

	for _, c := range coordinators {
		c.Stop()
	}
}
