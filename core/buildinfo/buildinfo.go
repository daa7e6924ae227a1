package buildinfo

// Set via -ldflags at build time:
//
//	-X 'github.com/m3rciful/relaybot/core/buildinfo.Version=v0.4.0'
//	-X 'github.com/m3rciful/relaybot/core/buildinfo.Commit=abcdef0'
//	-X 'github.com/m3rciful/relaybot/core/buildinfo.Date=2026-10-01T12:00:00Z'
var (
	// Version is the release tag of the binary, shown in the menu greeting.
	Version = "dev"
	// Commit is the source revision the binary was built from.
	Commit = "local"
	// Date is the RFC3339 build timestamp.
	Date = ""
)

// Short renders the version for user-facing texts.
func Short() string {
	if Commit == "" || Commit == "local" {
		return Version
	}
	c := Commit
	if len(c) > 7 {
		c = c[:7]
	}
	return Version + "+" + c
}
