package version

// Version is the agent version, set at build time:
// go build -ldflags "-X github.com/pothabooks/potha/pkg/version.Version=1.0.0".
var Version = "dev"

// UserAgent identifies the agent to the platform.
func UserAgent() string {
	return "potha-agent/" + Version
}
