// Package version carries the build version, set with
// -ldflags "-X rs_grab/internal/version.Version=...".
package version

var Version = "dev"
