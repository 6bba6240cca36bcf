package guard

import internal "github.com/kolkov/metaguard/internal/guard/api"

// Version information for the guard runtime.
const (
	// Version is the current version of the guard runtime.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the guard runtime.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Platform names the active platform, e.g. "linux-pkey1" or "sim".
	Platform string

	// Enforced indicates whether the protection domain is enforced in
	// hardware.
	Enforced bool

	// Threads is the number of threads that have used the runtime.
	Threads int
}

// GetInfo returns information about the guard runtime.
//
// Example:
//
//	info := guard.GetInfo()
//	fmt.Printf("guard %s on %s\n", info.Version, info.Platform)
func GetInfo() Info {
	rt := internal.Default()
	name := rt.Platform().Name()
	return Info{
		Version:  Version,
		Platform: name,
		Enforced: name != "sim",
		Threads:  rt.Threads(),
	}
}
