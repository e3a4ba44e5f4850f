// Package version holds the agent build version, stamped via ldflags.
package version

// Current is overridden at build time:
//
//	go build -ldflags "-X github.com/cms-fleet/cms-agent/internal/version.Current=1.2.3"
var Current = "dev"
