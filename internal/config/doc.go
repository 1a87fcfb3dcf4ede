// Package config provides centralized configuration management for the
// QuorumLaunch runtime, loading the JSON configuration file and applying
// defaults so downstream services receive fully populated, typed sections.
package config
