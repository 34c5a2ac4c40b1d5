// Package config loads remotedbg settings.
//
// Settings come from three layers, each overriding the one before it:
//
//  1. built-in defaults (Default)
//  2. a TOML or YAML file
//  3. REMOTEDBG_* environment variables
//
// The merged result is decoded into Config. A Watcher reloads the file when
// it changes and reports the few settings that can change without a
// restart: threads.hide_system and logging.level.
package config
