// Package config defines configuration for the romulator server and CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (ROMULATOR_ prefix, e.g. ROMULATOR_DOWNLOAD_DIR)
//   - YAML configuration file
//
// Later sources win: file, then environment, then flags. Sizes are human
// strings ("64KiB", "1 GB") and durations use time.ParseDuration syntax.
//
// # Example
//
//	addr: ":8080"
//	download_dir: /srv/roms/incoming
//	catalog_url: https://mirror.example/roms/
//	state_url: s3://romulator-state?region=us-east-1
//	stall_timeout: 2m
//	read_size: 64KiB
//	ruleset: nes
//	rulesets_file: rulesets.yaml
//	library_dir: /srv/roms/library
package config
