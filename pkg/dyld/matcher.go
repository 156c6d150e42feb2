package dyld

import "strings"

const (
	frameworksDir        = "/System/Library/Frameworks/"
	privateFrameworksDir = "/System/Library/PrivateFrameworks/"
)

type matchKind uint8

const (
	matchPath matchKind = iota
	matchFramework
	matchPrivateFramework
)

// A Matcher selects an image in the cache by its install path.
type Matcher struct {
	kind matchKind
	name string
}

// MatchPath matches an image by its exact install path.
func MatchPath(path string) Matcher {
	return Matcher{kind: matchPath, name: path}
}

// MatchFramework matches the binary of a public framework, in both the flat
// and the Versions/A bundle layout.
func MatchFramework(name string) Matcher {
	return Matcher{kind: matchFramework, name: name}
}

// MatchPrivateFramework matches the binary of a private framework.
func MatchPrivateFramework(name string) Matcher {
	return Matcher{kind: matchPrivateFramework, name: name}
}

// Matches reports whether the install path selects this matcher's image.
func (m Matcher) Matches(path string) bool {
	switch m.kind {
	case matchPath:
		return path == m.name
	case matchFramework:
		return matchesFrameworkPath(frameworksDir, m.name, path)
	case matchPrivateFramework:
		return matchesFrameworkPath(privateFrameworksDir, m.name, path)
	}
	return false
}

// Name returns the human-readable name of whatever the matcher selects.
func (m Matcher) Name() string {
	if m.kind == matchPath {
		return m.name
	}
	return m.name + ".framework"
}

func matchesFrameworkPath(baseDir, name, path string) bool {
	rest, ok := strings.CutPrefix(path, baseDir)
	if !ok {
		return false
	}
	rest, ok = strings.CutPrefix(rest, name+".framework/")
	if !ok {
		return false
	}
	return rest == name || rest == "Versions/A/"+name
}
