package main

// Set via -ldflags at build time; left as defaults for local builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)
