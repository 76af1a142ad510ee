package handlers

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"strings"
)

// AppName is the service name reported by /version.
const AppName = "quotaline"

// AppVersion is injected from main via SetVersionInfo
var (
	AppVersion   = "dev"
	AppCommit    = "unknown"
	AppBuildDate = "unknown"
)

// SetVersionInfo sets the version information for the handler
func SetVersionInfo(version, commit, buildDate string) {
	AppVersion = version
	AppCommit = commit
	AppBuildDate = buildDate
}

// VersionResponse represents the version information response
type VersionResponse struct {
	App          AppInfo           `json:"app"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Runtime      RuntimeInfo       `json:"runtime"`
}

// AppInfo contains application version details
type AppInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version,omitempty"`
}

// RuntimeInfo contains runtime environment information
type RuntimeInfo struct {
	Platform      string `json:"platform"`
	NumCPU        int    `json:"num_cpu"`
	NumGoroutines int    `json:"num_goroutines"`
}

// reportedModules are the dependencies whose versions /version exposes.
var reportedModules = map[string]string{
	"github.com/fulmenhq/gofulmen":        "gofulmen",
	"github.com/prometheus/client_golang": "prometheus",
	"github.com/redis/go-redis/v9":        "go-redis",
	"github.com/tursodatabase/go-libsql":  "go-libsql",
	"modernc.org/sqlite":                  "sqlite",
	"github.com/go-chi/chi/v5":            "chi",
}

// dependencyVersions reads module versions from the embedded build info.
func dependencyVersions() map[string]string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	versions := make(map[string]string)
	for _, dep := range info.Deps {
		name, ok := reportedModules[dep.Path]
		if !ok {
			continue
		}
		if dep.Replace != nil {
			dep = dep.Replace
		}
		versions[name] = strings.TrimPrefix(dep.Version, "v")
	}
	return versions
}

// VersionHandler handles version information requests
func VersionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		App: AppInfo{
			Name:      AppName,
			Version:   AppVersion,
			Commit:    AppCommit,
			BuildDate: AppBuildDate,
			GoVersion: runtime.Version(),
		},
		Dependencies: dependencyVersions(),
		Runtime: RuntimeInfo{
			Platform:      runtime.GOOS + "/" + runtime.GOARCH,
			NumCPU:        runtime.NumCPU(),
			NumGoroutines: runtime.NumGoroutine(),
		},
	})
}
