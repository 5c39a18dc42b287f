// Package config loads the chainscan YAML configuration.
//
// The file is parsed with yaml.v3 and then unified with the #Config
// definition of an embedded CUE schema, which rejects unknown keys, checks
// value ranges and fills in defaults. Relative paths are resolved against
// the directory of the configuration file.
package config
