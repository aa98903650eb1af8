// Package linkcheck holds the domain types shared by the probe, classify,
// cache, dispatch and report stages of linkguard, together with the small
// interfaces those stages use to talk to each other.
package linkcheck
