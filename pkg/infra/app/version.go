package app

import "github.com/kart-io/version"

// GetVersion returns the git version the binary was built from.
func GetVersion() string {
	return version.Get().GitVersion
}

// GetVersionInfo returns the build information reported by /version.
func GetVersionInfo() version.Info {
	return version.Get()
}
