// Package config loads the redirector configuration from defaults, an
// optional YAML file, REDIRECT_ environment variables and command line flags,
// and parses the backend list file given on the command line.
package config
