// Package readiness folds backend and vector-store liveness into one
// gateway-wide ready flag and gates the two opt-in features that must
// not run before bootstrap completes: auto-configuration and vector
// upserts.
package readiness

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// State is one readiness observation, as exposed on status surfaces.
type State struct {
	LMReady          bool `json:"lm_ready"`
	ChromaReady      bool `json:"chroma_ready"`
	Ready            bool `json:"ready"`
	AutoConfigActive bool `json:"auto_config_active"`
	UpsertsActive    bool `json:"upserts_active"`
}

// Coordinator recomputes readiness on every probe cycle. Readers poll
// the derived flags via atomics; there is no blocking wait primitive.
type Coordinator struct {
	logger *slog.Logger

	ready      atomic.Bool
	autoConfig atomic.Bool
	upserts    atomic.Bool

	mu             sync.Mutex
	lmReady        bool
	chromaReady    bool
	wantAutoConfig bool
	wantUpserts    bool
}

// New creates a Coordinator in the pending state with the given
// requested feature flags.
func New(logger *slog.Logger, wantAutoConfig, wantUpserts bool) *Coordinator {
	return &Coordinator{
		logger:         logger,
		wantAutoConfig: wantAutoConfig,
		wantUpserts:    wantUpserts,
	}
}

// SetRequested updates the configured feature flags, typically after an
// options swap, and recomputes the derived flags against the last
// observation.
func (c *Coordinator) SetRequested(wantAutoConfig, wantUpserts bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wantAutoConfig = wantAutoConfig
	c.wantUpserts = wantUpserts
	c.recomputeLocked()
}

// Observe records one probe cycle's results and recomputes the derived
// flags. Transitions between ready and pending are logged.
func (c *Coordinator) Observe(lmReady, chromaReady bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lmReady = lmReady
	c.chromaReady = chromaReady
	c.recomputeLocked()
}

func (c *Coordinator) recomputeLocked() {
	ready := c.lmReady && c.chromaReady
	was := c.ready.Swap(ready)
	c.autoConfig.Store(ready && c.wantAutoConfig)
	c.upserts.Store(ready && c.wantUpserts)

	if was != ready {
		if ready {
			c.logger.Info("gateway ready",
				"auto_config_active", ready && c.wantAutoConfig,
				"upserts_active", ready && c.wantUpserts)
		} else {
			c.logger.Warn("gateway pending",
				"lm_ready", c.lmReady,
				"chroma_ready", c.chromaReady)
		}
	}
}

// Ready reports whether both liveness conditions held on the last
// observation.
func (c *Coordinator) Ready() bool { return c.ready.Load() }

// AutoConfigActive reports whether auto-configuration patches may be
// applied right now.
func (c *Coordinator) AutoConfigActive() bool { return c.autoConfig.Load() }

// UpsertsActive reports whether vector upserts may run right now.
func (c *Coordinator) UpsertsActive() bool { return c.upserts.Load() }

// Snapshot returns the full current state for status endpoints.
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		LMReady:          c.lmReady,
		ChromaReady:      c.chromaReady,
		Ready:            c.ready.Load(),
		AutoConfigActive: c.autoConfig.Load(),
		UpsertsActive:    c.upserts.Load(),
	}
}
