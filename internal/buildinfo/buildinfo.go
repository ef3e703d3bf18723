// Package buildinfo reports the version of the running binary.
package buildinfo

import (
	"runtime/debug"
	"strings"
)

const (
	goOS        = "GOOS"
	goArch      = "GOARCH"
	vcsRevision = "vcs.revision"
	vcsTime     = "vcs.time"
	vcsModified = "vcs.modified"
)

// version is set by the linker, for example,
// -ldflags "-X github.com/kakao/replblk/internal/buildinfo.version=v0.1.0".
var version = "devel"

type Info struct {
	Version   string
	GoVersion string
	Revision  string
	Time      string
	Modified  bool
	OS        string
	Arch      string
}

// Read returns the build information embedded in the binary. Fields other
// than Version are empty if the binary was built without module support.
func Read() Info {
	info := Info{Version: version}
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = buildInfo.GoVersion
	for _, kv := range buildInfo.Settings {
		switch kv.Key {
		case vcsRevision:
			info.Revision = kv.Value
		case vcsTime:
			info.Time = kv.Value
		case vcsModified:
			info.Modified = kv.Value == "true"
		case goOS:
			info.OS = kv.Value
		case goArch:
			info.Arch = kv.Value
		}
	}
	return info
}

func (info Info) String() string {
	revision := info.Revision
	if info.Modified {
		revision += "-dirty"
	}
	var sb strings.Builder
	sb.WriteString("Version:     " + info.Version + "\n")
	sb.WriteString("Go Version:  " + info.GoVersion + "\n")
	sb.WriteString("Git Commit:  " + revision + "\n")
	sb.WriteString("Built:       " + info.Time + "\n")
	sb.WriteString("OS/Arch:     " + info.OS + "/" + info.Arch)
	return sb.String()
}
