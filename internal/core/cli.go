package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"filerelay/internal/server/registry"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type PathKind int

const (
	PathFile PathKind = iota
	PathDir
)

// ParsedPath is a local path ready to be uploaded.
type ParsedPath struct {
	FullPath string
	Kind     PathKind
	Size     int64 // 0 for directories
}

// UploadName is the filename announced to the relay. Directories are sent
// as a zip archive.
func (p ParsedPath) UploadName() string {
	name := filepath.Base(p.FullPath)
	if p.Kind == PathDir {
		return name + ".zip"
	}
	return name
}

func ParseArgs(args []string) ([]ParsedPath, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	var out []ParsedPath

	for _, raw := range args {
		p := filepath.Clean(raw)
		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}

		parsed := ParsedPath{FullPath: p, Kind: PathFile, Size: info.Size()}
		if info.IsDir() {
			parsed.Kind = PathDir
			parsed.Size = 0
		} else if !info.Mode().IsRegular() {
			return nil, &ValidationError{Arg: raw, Cause: "not a regular file"}
		}

		out = append(out, parsed)
	}

	return out, nil
}

// ParseAccessCode trims and checks a code typed by the user.
func ParseAccessCode(raw string) (string, error) {
	code := strings.TrimSpace(raw)
	if err := registry.ValidateCode(code); err != nil {
		return "", &ValidationError{
			Arg:   raw,
			Cause: fmt.Sprintf("access codes are %d letters or digits", registry.CodeLength),
		}
	}
	return code, nil
}

// ParseUserID checks a user id flag. Empty means anonymous.
func ParseUserID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if strings.ContainsAny(id, "/?#&") {
		return "", &ValidationError{Arg: raw, Cause: "user id must not contain / ? # or &"}
	}
	return id, nil
}
