// Package cassettedeck provides the version information for cassettedeck.
package cassettedeck

// Version is the current version of cassettedeck.
const Version = "0.1.0"

// GetVersion returns the current version string.
func GetVersion() string {
	return Version
}
