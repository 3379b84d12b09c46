// Package config defines configuration for the dashchan client and CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (DASHCHAN_ prefix)
//   - A YAML file, or JSON with comments when the name ends in .json or .jsonc
//
// Flags override the environment, which overrides the file. Durations are
// written as "15s" and sizes as "16MiB".
//
// # Example
//
//	user_agent: "Mozilla/5.0 (Linux; Android 10) Dashchan"
//	connect_timeout: 15s
//	read_timeout: 30s
//	verify_certificate: true
//	tls_protocols: [TLSv1.2, TLSv1.3]
//	proxy:
//	  type: socks
//	  host: 127.0.0.1
//	  port: 9050
//	single_connection_sites: [boards.example]
//	mirror:
//	  workers: 4
//	  chunk_size: 16MiB
//
// Config.HTTPOptions turns the result into options for the HTTP client.
package config
