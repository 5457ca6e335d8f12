package version

import "runtime/debug"

var (
	// Version is set at build time with
	// -ldflags "-X github.com/MEKXH/giftbot/internal/version.Version=v1.2.3".
	// go install builds fall back to the module version.
	Version = "dev"

	// Commit is the VCS revision the binary was built from, if known.
	Commit = ""
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	if Commit == "" {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				Commit = s.Value
				if len(Commit) > 12 {
					Commit = Commit[:12]
				}
				break
			}
		}
	}
}

// String returns the version with the commit appended when known.
func String() string {
	if Commit == "" {
		return Version
	}
	return Version + " (" + Commit + ")"
}
