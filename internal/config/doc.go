// Package config handles configuration loading for taskagent-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion, duration parsing, defaults and validation. Files ending in
// .toml are read as TOML; anything else is YAML.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TASKAGENT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/taskagent/gateway.yaml
//  3. ~/.config/taskagent/gateway.yaml
//
// TASKAGENT_DB_PATH, when set, overrides database.path.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	model:
//	  api_key: "${OPENAI_API_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"    # chat and thread API
//	  grpc_addr: "127.0.0.1:50051"   # grpc.health.v1
//
//	tailscale:
//	  enabled: false
//	  hostname: "taskagent"
//	  auth_key: "${TS_AUTHKEY}"
//
//	database:
//	  path: "~/.local/share/taskagent/conversations.db"
//	  tasks_path: "~/.local/share/taskagent/tasks.db"
//
//	model:
//	  provider: "openai"             # openai, anthropic, langchain, scripted
//	  name: "gpt-4o-mini"
//	  api_key: "${OPENAI_API_KEY}"
//	  base_url: ""                   # optional compatible endpoint
//	  max_output_tokens: 2048
//	  system_prompt: "You manage the user's tasks."
//
//	turn:
//	  timeout: "2m"
//	  max_tool_rounds: 8
//	  event_buffer: 32
//	  metadata_retries: 3
//	  retry_backoff: "200ms"
//	  refusal_message: "I can't help with that request."
//
//	state:
//	  seal_secret: "${TASKAGENT_SEAL_SECRET}"   # optional, 16+ characters
//
//	dedupe:
//	  ttl: "5m"
//	  max_entries: 10000
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Durations use Go's time.ParseDuration syntax.
package config
