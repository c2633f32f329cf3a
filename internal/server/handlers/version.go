package handlers

import "net/http"

type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
}

var buildVersion = versionInfo{Version: "dev"}

// SetVersionInfo records build metadata for the /version endpoint.
func SetVersionInfo(version, commit, date string) {
	buildVersion = versionInfo{Version: version, Commit: commit, Date: date}
}

// VersionHandler reports build metadata.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildVersion)
}
