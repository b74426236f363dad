package handlers

import (
	"net/http"
	"runtime"
	"sync"

	"github.com/fulmenhq/gofulmen/crucible"

	apperrors "github.com/3leaps/geoxfer/internal/errors"
)

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Gofulmen  string `json:"gofulmen,omitempty"`
	Crucible  string `json:"crucible,omitempty"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo records the build metadata served by VersionHandler.
func SetVersionInfo(version, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	versionInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

// CurrentVersion returns the build metadata with runtime details filled in.
func CurrentVersion() VersionInfo {
	versionMu.RLock()
	info := versionInfo
	versionMu.RUnlock()

	info.GoVersion = runtime.Version()
	v := crucible.GetVersion()
	info.Gofulmen = v.Gofulmen
	info.Crucible = v.Crucible
	return info
}

// VersionHandler serves CurrentVersion.
func VersionHandler(w http.ResponseWriter, _ *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, CurrentVersion())
}
