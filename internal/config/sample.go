// ABOUTME: Commented sample configuration written by the init subcommand.
// ABOUTME: Kept in sync with the defaults in config.go.

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// SampleYAML is a complete, commented configuration with every default spelled out.
const SampleYAML = `# vox-gateway configuration
# Values of the form ${VAR} are replaced with environment variables.

server:
  http_addr: "127.0.0.1:5555"
  # grpc_addr serves grpc.health.v1 only; leave empty to disable
  grpc_addr: ""

tailscale:
  enabled: false
  hostname: "vox-gateway"
  auth_key: "${TS_AUTHKEY}"
  ephemeral: false
  https: false
  funnel: false

native:
  # tcp://host:port, unix:///path/to/socket, ws://host/path or wss://host/path
  address: "tcp://127.0.0.1:7771"
  codec: "json"
  request_timeout: "30s"
  dial_timeout: "5s"
  reconnect_initial: "1s"
  reconnect_max: "30s"

functions:
  default_timeout: "30s"
  dedupe_ttl: "10m"

events:
  keepalive_interval: "15s"
  buffer: 64

database:
  # empty disables the event and call ledger
  path: ""

redis:
  # empty disables the pub/sub mirror
  addr: ""
  password: "${REDIS_PASSWORD}"
  db: 0
  channel: "vox:game_events"

auth:
  # empty leaves the API open; otherwise at least 32 bytes
  jwt_secret: "${VOX_JWT_SECRET}"

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`

// WriteSample writes SampleYAML to path, refusing to overwrite an existing file.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(SampleYAML), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
