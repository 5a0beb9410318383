// Package version resolves the build stamp the health and telemetry
// surfaces report. Container builds inject the commit with
// -ldflags "-X .../pkg/version.commit=<sha>"; source builds fall back to
// the module's VCS metadata, and anything without either (go test,
// stripped builds) reports "dev".
package version

import "runtime/debug"

const app = "ciris"

// commit is the ldflags injection point for builds whose context has no
// .git directory.
var commit string

// Info is the resolved build stamp.
type Info struct {
	App       string `json:"app"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

// Build is resolved once at package init.
var Build = resolve()

func resolve() Info {
	out := Info{App: app, Commit: "dev"}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out.GoVersion = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" {
					out.Commit = short(s.Value)
				}
			case "vcs.modified":
				out.Modified = s.Value == "true"
			}
		}
	}
	if commit != "" {
		out.Commit = short(commit)
		out.Modified = false
	}
	return out
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "ciris/<commit>", with a "+dirty" suffix for builds from a
// modified tree, for logs and user-agent strings.
func Full() string {
	full := Build.App + "/" + Build.Commit
	if Build.Modified {
		full += "+dirty"
	}
	return full
}
