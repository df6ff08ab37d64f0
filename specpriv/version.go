package specpriv

import (
	"fmt"

	"golang.org/x/mod/semver"
)

// Version information for the specpriv runtime.
const (
	// Version is the current version of the runtime.
	Version = "0.1.0"

	// ABIVersion is the version of the Executive and Worker method sets that
	// generated code is compiled against.
	ABIVersion = "v1.2.0"
)

// Info provides runtime information.
type Info struct {
	// Version is the runtime version string.
	Version string

	// ABI is the supported ABI version.
	ABI string

	// Strategy names the speculation technique.
	Strategy string
}

// GetInfo returns information about the runtime.
//
// Example:
//
//	info := specpriv.GetInfo()
//	fmt.Printf("specpriv %s (ABI %s)\n", info.Version, info.ABI)
func GetInfo() Info {
	return Info{
		Version:  Version,
		ABI:      ABIVersion,
		Strategy: "speculative privatization with checkpoint windows",
	}
}

// CheckABI reports whether generated code requiring ABI version required can run
// on this runtime: the major versions must match and required must not be newer
// than ABIVersion.
func CheckABI(required string) error {
	if !semver.IsValid(required) {
		return fmt.Errorf("abi version %q is not a semantic version", required)
	}
	if semver.Major(required) != semver.Major(ABIVersion) {
		return fmt.Errorf("abi %s incompatible with runtime abi %s", required, ABIVersion)
	}
	if semver.Compare(required, ABIVersion) > 0 {
		return fmt.Errorf("abi %s newer than runtime abi %s", required, ABIVersion)
	}
	return nil
}
