package version

// Set via ldflags at build time, e.g.
// go build -ldflags "-X github.com/mbakio/mbak/pkg/version.Version=v0.2.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
