// Package process defines a process's immutable configuration and its live
// runtime state (C6): the driver-owned bundle of signal queue, message
// mailbox, resource table, and registry/environment references that a
// process's driver task steps through.
package process

// Config is the immutable configuration a process is spawned with. Every
// field is fixed for the process's lifetime. CanCompileModules and
// CanCreateConfigs travel with the configuration; no host function in
// package capability consults them.
type Config struct {
	// MaxFuel bounds total instruction fuel. Nil means no ceiling, but the
	// engine must still yield every fixed quantum (engine.DefaultFuelQuantum).
	MaxFuel *uint64
	// MaxMemoryBytes bounds the instance's linear memory.
	MaxMemoryBytes uint64

	// CanCompileModules records whether the process may compile modules.
	CanCompileModules bool
	// CanCreateConfigs permits constructing a new Config to spawn with.
	CanCreateConfigs bool
	// CanSpawnProcesses permits lunatic::process::spawn*.
	CanSpawnProcesses bool

	CommandLineArguments []string
	EnvironmentVariables map[string]string
	PreopenDirs          []string
}

// DefaultConfig returns a Config with conservative defaults: no fuel
// ceiling (still quantum-yielded), 64MiB memory, and every capability
// enabled. Callers narrow capabilities explicitly rather than this package
// guessing a restrictive default, matching the teacher convention of
// additive option structs with all-enabled zero-config constructors.
func DefaultConfig() Config {
	return Config{
		MaxMemoryBytes:       64 * 1024 * 1024,
		CanCompileModules:    true,
		CanCreateConfigs:     true,
		CanSpawnProcesses:    true,
		EnvironmentVariables: map[string]string{},
	}
}

// Clone returns a deep copy, so a child's copy of a Config never aliases
// another process's configuration.
func (c Config) Clone() Config {
	out := c
	if c.MaxFuel != nil {
		f := *c.MaxFuel
		out.MaxFuel = &f
	}
	out.CommandLineArguments = append([]string(nil), c.CommandLineArguments...)
	out.EnvironmentVariables = make(map[string]string, len(c.EnvironmentVariables))
	for k, v := range c.EnvironmentVariables {
		out.EnvironmentVariables[k] = v
	}
	out.PreopenDirs = append([]string(nil), c.PreopenDirs...)
	return out
}
