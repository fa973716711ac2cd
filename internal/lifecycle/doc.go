// Package lifecycle drives the redirector: probe every backend, build and
// publish the distribution table, then serve until the listener goes idle,
// and start over. Only the listening socket survives a reboot cycle.
package lifecycle
