package version

// Version is overridden at build time with
// -ldflags "-X github.com/cnnfpga/coeverify/version.Version=...".
var Version = "0.0.0"
