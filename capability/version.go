package capability

import (
	"context"

	"github.com/joeycumines/lunatic/engine"
)

// Version identifies this runtime's lunatic::version surface.
const (
	VersionMajor = 0
	VersionMinor = 13
	VersionPatch = 0
)

// versionFunctions implements lunatic::version: three constant-returning
// functions, rather than a data export, so the capability surface stays
// uniform (every guest import is a function call).
func (h *Host) versionFunctions() []binding {
	ns := "lunatic::version"
	return []binding{
		{ns, "major", false, constFunc(VersionMajor)},
		{ns, "minor", false, constFunc(VersionMinor)},
		{ns, "patch", false, constFunc(VersionPatch)},
	}
}

func constFunc(v int32) engine.HostFunc {
	return func(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
		return i32Result(v), nil
	}
}
