package archive

import (
	"path"
	"strings"

	"github.com/enginehub/cassettedeck/domain/artifact"
)

// cleanEntryPath normalizes an entry name to a relative slash path.
// Anything that could resolve outside the archive root is traversal.
func cleanEntryPath(name string) (string, error) {
	if name == "" {
		return "", artifact.NewValidationError(artifact.ReasonMalformed, name, "empty entry name")
	}
	if strings.ContainsRune(name, 0) {
		return "", artifact.NewValidationError(artifact.ReasonMalformed, name, "NUL in entry name")
	}
	if strings.Contains(name, `\`) {
		return "", artifact.NewValidationError(artifact.ReasonTraversal, name, "backslash in entry name")
	}
	if strings.HasPrefix(name, "/") {
		return "", artifact.NewValidationError(artifact.ReasonTraversal, name, "absolute entry name")
	}
	if len(name) >= 2 && name[1] == ':' && isASCIILetter(name[0]) {
		return "", artifact.NewValidationError(artifact.ReasonTraversal, name, "drive-qualified entry name")
	}
	for seg := range strings.SplitSeq(name, "/") {
		if seg == ".." {
			return "", artifact.NewValidationError(artifact.ReasonTraversal, name, "parent directory reference")
		}
	}
	return path.Clean(name), nil
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
