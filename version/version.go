// Package version holds the build version, set at link time with
// -ldflags "-X github.com/JiscSD/qda-harvester/version.VERSION=v1.2.3".
package version

// VERSION is the version of the harvester.
var VERSION = "(untracked)"

// UserAgent is the product token sent to sources.
func UserAgent() string {
	return "qda-harvester/" + VERSION + " (+https://github.com/JiscSD/qda-harvester)"
}
