// Package config handles configuration loading for vox-gateway.
//
// # Configuration File
//
// Files ending in .toml are read as TOML; anything else as YAML. The default
// location is ./vox-gateway.yaml, overridden by --config or VOX_CONFIG.
//
// # Environment Variable Expansion
//
// Values can reference environment variables before parsing:
//
//	auth:
//	  jwt_secret: "${VOX_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	native:
//	  request_timeout: "30s"
//	  reconnect_max: "1m"
//
// # Optional Components
//
// database.path, redis.addr, auth.jwt_secret and server.grpc_addr each switch
// on a component when set. Everything else has a default; see SampleYAML.
package config
