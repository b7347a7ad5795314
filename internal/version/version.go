package version

import "runtime/debug"

// AppName identifies this service in logs, metrics and traces.
const AppName = "lmlabs-api"

// Set at build time with -ldflags "-X .../internal/version.Version=..." etc.
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// BuildVersion and BuildCommit satisfy httpmw.BuildInfo.
func (i Info) BuildVersion() string { return i.Version }
func (i Info) BuildCommit() string  { return i.Commit }

// Get merges ldflags values with what the Go toolchain stamped into the
// binary. ldflags win for commit and build date; the toolchain wins for the
// Go version and the dirty flag.
func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" && s.Value != "" {
				out.BuildDate = s.Value
			}
			if out.CommitDate == "" {
				out.CommitDate = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" || s.Value == "false" {
				dirty := s.Value == "true"
				out.VCSDirty = &dirty
			}
		}
	}
	return out
}
