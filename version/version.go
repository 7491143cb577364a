package version

// Version is overridden at build time with -ldflags "-X hashsentry/version.Version=...".
var Version = "dev"
