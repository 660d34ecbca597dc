package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

const SchemeS3 = "s3"

var aliasPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// URI is a parsed source or target location. Remote locations carry the
// registered alias as Alias; local paths leave Scheme empty.
type URI struct {
	Scheme string
	Alias  string
	Key    string
	Path   string
}

func (u URI) IsRemote() bool {
	return u.Scheme != ""
}

func (u URI) String() string {
	if !u.IsRemote() {
		return u.Path
	}
	return u.Scheme + "://" + path.Join(u.Alias, u.Key)
}

func ParseURI(raw string) (URI, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return URI{}, fmt.Errorf("location is required")
	}
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return URI{Path: raw}, nil
	}
	scheme = strings.ToLower(scheme)
	if scheme != SchemeS3 {
		return URI{}, fmt.Errorf("unsupported scheme %q", scheme)
	}
	alias, key, _ := strings.Cut(rest, "/")
	if err := ValidateAlias(alias); err != nil {
		return URI{}, err
	}
	key = strings.TrimPrefix(key, "/")
	if key != "" {
		key = path.Clean(key)
		if key == "." || key == ".." || strings.HasPrefix(key, "../") {
			return URI{}, fmt.Errorf("invalid object key in %q", raw)
		}
	}
	return URI{Scheme: scheme, Alias: alias, Key: key}, nil
}

func ValidateAlias(alias string) error {
	if !aliasPattern.MatchString(alias) {
		return fmt.Errorf("invalid storage alias: %q", alias)
	}
	return nil
}

// HasGlob reports whether pattern contains path.Match metacharacters.
func HasGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// GlobPrefix returns the literal directory part of pattern that precedes the
// first element containing a glob, suitable as a listing prefix.
func GlobPrefix(pattern string) string {
	elements := strings.Split(pattern, "/")
	literal := make([]string, 0, len(elements))
	for _, element := range elements {
		if HasGlob(element) {
			break
		}
		literal = append(literal, element)
	}
	if len(literal) == len(elements) {
		return pattern
	}
	if len(literal) == 0 {
		return ""
	}
	return strings.Join(literal, "/") + "/"
}

// MatchKey matches key against pattern element by element, so "*" never
// crosses a "/".
func MatchKey(pattern, key string) (bool, error) {
	return path.Match(pattern, key)
}

func PartFileName(index int) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("part index must be >= 0")
	}
	return fmt.Sprintf("part.%d.parquet", index), nil
}

func BuildPartKey(prefix string, index int) (string, error) {
	name, err := PartFileName(index)
	if err != nil {
		return "", err
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name, nil
	}
	return path.Join(prefix, name), nil
}
