package guard

import "strings"

// Class is the access requirement of a page path.
type Class int

const (
	// ClassPublic paths are served to everyone.
	ClassPublic Class = iota
	// ClassAuthOnly paths are for visitors without a session.
	ClassAuthOnly
	// ClassProtected paths need a session.
	ClassProtected
	// ClassAdminOnly paths need a session with the admin role.
	ClassAdminOnly
)

func (c Class) String() string {
	switch c {
	case ClassAuthOnly:
		return "auth_only"
	case ClassProtected:
		return "protected"
	case ClassAdminOnly:
		return "admin_only"
	default:
		return "public"
	}
}

var (
	authOnlyPaths = []string{"/login", "/register"}
	// The home page needs a session even though it is not under a
	// protected prefix.
	protectedPaths = []string{"/", "/posts/create"}
	protectedTrees = []string{"/dashboard", "/profile"}
	adminTrees     = []string{"/admin"}
)

// Classify maps a request path to its access class. API paths are public at
// this level; their handlers enforce sessions and roles themselves.
func Classify(path string) Class {
	path = cleanPath(path)
	if isAPI(path) {
		return ClassPublic
	}
	for _, p := range authOnlyPaths {
		if path == p {
			return ClassAuthOnly
		}
	}
	for _, tree := range adminTrees {
		if underTree(path, tree) {
			return ClassAdminOnly
		}
	}
	for _, p := range protectedPaths {
		if path == p {
			return ClassProtected
		}
	}
	for _, tree := range protectedTrees {
		if underTree(path, tree) {
			return ClassProtected
		}
	}
	return ClassPublic
}

func isAPI(path string) bool {
	return underTree(path, "/api")
}

func underTree(path, tree string) bool {
	return path == tree || strings.HasPrefix(path, tree+"/")
}

func cleanPath(path string) string {
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			return "/"
		}
	}
	return path
}
