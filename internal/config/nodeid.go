package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// ResolveNodeID returns the configured node id, generating a stable-looking
// hostname-based one when none is configured. Generated ids are not
// persisted; production deployments should pin node.id in config.
func (c *Config) ResolveNodeID() string {
	if c.Node.ID != "" {
		return c.Node.ID
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "node"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}
