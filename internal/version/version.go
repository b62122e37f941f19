package version

// Version is the dashboard build version, overridable at link time with
// -ldflags "-X .../internal/version.Version=...".
var Version = "0.1.0"
