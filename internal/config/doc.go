// Package config loads the signalfeed YAML configuration.
//
// ${VAR} references are expanded from the environment before parsing, unset
// fields take the values in their `default` struct tags, and Validate reports
// the first invalid field by its YAML path.
package config
