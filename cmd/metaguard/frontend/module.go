package frontend

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
)

// StdModule is the module name given to standard library packages.
const StdModule = "std"

// ModuleInfo describes the main module of the analyzed program.
//
// Functions belonging to the main module, or to a module the main module
// replaces with a local directory, are instrumented. Everything else is
// foreign.
type ModuleInfo struct {
	// Path is the module path from the module directive.
	Path string
	// GoMod is the path of the go.mod file.
	GoMod string
	// Local lists module paths replaced with local directories.
	Local []string
}

// FindModule locates and parses the go.mod governing startDir.
//
// This walks up from startDir looking for a go.mod file.
//
// Parameters:
//   - startDir: Directory to start searching from (usually the analyzed package's directory)
//
// Returns:
//   - *ModuleInfo: The parsed module, or nil if no go.mod was found
//   - error: Read or parse error of the go.mod that was found
func FindModule(startDir string) (*ModuleInfo, error) {
	goMod := findGoMod(startDir)
	if goMod == "" {
		return nil, nil
	}
	data, err := os.ReadFile(goMod)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", goMod, err)
	}
	return parseModule(goMod, data)
}

func parseModule(goMod string, data []byte) (*ModuleInfo, error) {
	f, err := modfile.Parse(goMod, data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", goMod, err)
	}
	if f.Module == nil {
		return nil, fmt.Errorf("%s: no module directive", goMod)
	}
	mi := &ModuleInfo{Path: f.Module.Mod.Path, GoMod: goMod}
	for _, rep := range f.Replace {
		// Local replacements are part of the program being hardened.
		if rep.New.Version == "" && isLocalPath(rep.New.Path) {
			mi.Local = append(mi.Local, rep.Old.Path)
		}
	}
	return mi, nil
}

// Owns reports whether functions of the given module are instrumented.
//
// A nil ModuleInfo owns every module except the standard library, which
// matches analyzing loose files outside any module.
func (m *ModuleInfo) Owns(module string) bool {
	if m == nil {
		return module != StdModule
	}
	if module == m.Path {
		return true
	}
	for _, l := range m.Local {
		if module == l {
			return true
		}
	}
	return false
}

// findGoMod walks up from startDir and returns the first go.mod found, or
// an empty string.
func findGoMod(startDir string) string {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		dir = startDir
	}
	for {
		modPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(modPath); err == nil {
			return modPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}
	return ""
}

// isLocalPath checks if a path is a local filesystem path (not a module path).
//
// Local paths start with ./, ../, /, or a drive letter on Windows.
func isLocalPath(path string) bool {
	if strings.HasPrefix(path, "./") || strings.HasPrefix(path, "../") {
		return true
	}
	if filepath.IsAbs(path) {
		return true
	}
	// Windows drive letter check (e.g., C:\)
	if len(path) >= 2 && path[1] == ':' {
		return true
	}
	return false
}
