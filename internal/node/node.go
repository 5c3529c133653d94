// Package node holds the identity of this scheduler instance and the
// administrative gate that can take it out of rotation.
package node

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// DefaultIdentity returns hostname-pid-<random suffix>. The suffix keeps two
// processes on one host with a recycled pid apart.
func DefaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Gate is a switchable node-enablement gate.
type Gate struct {
	enabled *atomic.Bool
	logger  *slog.Logger
}

// NewGate creates a gate in the given state.
func NewGate(enabled bool, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{enabled: atomic.NewBool(enabled), logger: logger}
}

// IsNodeEnabled implements types.NodeStatusProvider.
func (g *Gate) IsNodeEnabled() bool { return g.enabled.Load() }

// SetEnabled flips the gate and reports whether the state changed.
func (g *Gate) SetEnabled(enabled bool) bool {
	changed := g.enabled.Swap(enabled) != enabled
	if changed {
		g.logger.Info("Node enablement changed", "enabled", enabled)
	}
	return changed
}

type gateStatus struct {
	Enabled bool `json:"enabled"`
}

// Handler serves GET /node, POST /node/enable and POST /node/disable.
func (g *Gate) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /node", g.writeStatus)
	mux.HandleFunc("POST /node/enable", func(w http.ResponseWriter, r *http.Request) {
		g.SetEnabled(true)
		g.writeStatus(w, r)
	})
	mux.HandleFunc("POST /node/disable", func(w http.ResponseWriter, r *http.Request) {
		g.SetEnabled(false)
		g.writeStatus(w, r)
	})
	return mux
}

func (g *Gate) writeStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(gateStatus{Enabled: g.IsNodeEnabled()})
}
