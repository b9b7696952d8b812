package version

import (
	"crypto/sha256"
	"encoding/hex"
	"runtime"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Hash      string `json:"version_hash"`
}

// Hash identifies the running build in every broadcast envelope, so browsers
// can reload when the server was replaced. A configured override wins.
func Hash(override string) string {
	if override != "" {
		return override
	}
	sum := sha256.Sum256([]byte(Version + "|" + Commit + "|" + BuildTime))
	return hex.EncodeToString(sum[:8])
}

func Get(override string) Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Hash:      Hash(override),
	}
}
