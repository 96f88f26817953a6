package registry

import (
	"github.com/rs/zerolog"

	"github.com/stevedore-sh/stevedore/pkg/log"
)

// Registry is the service-registry collaborator boundary. The core
// emits register/deregister on allocation transitions to and from
// running; discovery and DNS live outside the core.
type Registry interface {
	Register(serviceName, nodeID string, port int) error
	Deregister(serviceName, nodeID string) error
}

// Noop discards all registrations. Used when no registry is wired.
type Noop struct{}

func (Noop) Register(string, string, int) error { return nil }
func (Noop) Deregister(string, string) error { return nil }

// Logging writes registrations to the log, useful while developing
// against a cluster without a real registry.
type Logging struct {
	logger zerolog.Logger
}

// NewLogging creates a logging registry
func NewLogging() *Logging {
	return &Logging{logger: log.WithComponent("registry")}
}

func (l *Logging) Register(serviceName, nodeID string, port int) error {
	l.logger.Info().
		Str("service", serviceName).
		Str("node_id", nodeID).
		Int("port", port).
		Msg("service registered")
	return nil
}

func (l *Logging) Deregister(serviceName, nodeID string) error {
	l.logger.Info().
		Str("service", serviceName).
		Str("node_id", nodeID).
		Msg("service deregistered")
	return nil
}
