package devicemodel

import (
	"fmt"
	"regexp"
	"strings"
)

// dtmiPattern matches a versioned Digital Twin Model Identifier.
var dtmiPattern = regexp.MustCompile(
	`^dtmi:[A-Za-z](?:[A-Za-z0-9_]*[A-Za-z0-9])?(?::[A-Za-z](?:[A-Za-z0-9_]*[A-Za-z0-9])?)*;[1-9][0-9]{0,8}$`)

// IsValidDTMI reports whether id is a well-formed, versioned DTMI.
func IsValidDTMI(id string) bool {
	return dtmiPattern.MatchString(id)
}

// ModelPath converts a DTMI to its path in a models repository:
// lower case, ':' becomes '/', ';' becomes '-', with a .json suffix.
//
//	dtmi:impinj:R700;1 -> dtmi/impinj/r700-1.json
func ModelPath(id string) (string, error) {
	if !IsValidDTMI(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidModelID, id)
	}
	p := strings.ToLower(id)
	p = strings.ReplaceAll(p, ":", "/")
	p = strings.ReplaceAll(p, ";", "-")
	return p + ".json", nil
}

// childID synthesizes the ID of an element that has no explicit @id.
// The version of the parent carries over:
//
//	childID("dtmi:a:B;1", "contents", "x") -> "dtmi:a:B:_contents:__x;1"
func childID(parent, collection, name string) string {
	base, version := splitVersion(parent)
	if name == "" {
		return base + ":_" + collection + version
	}
	return base + ":_" + collection + ":__" + name + version
}

// splitVersion returns the ID without its version and the ";N" suffix.
func splitVersion(id string) (base, version string) {
	if i := strings.LastIndexByte(id, ';'); i >= 0 {
		return id[:i], id[i:]
	}
	return id, ""
}
