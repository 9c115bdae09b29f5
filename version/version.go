package version

// version is set at build time via -ldflags.
var version = "development"

// Version returns the installer tool version.
func Version() string {
	return version
}
