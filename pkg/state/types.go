package state

import "path/filepath"

type Paths struct {
	Data   string
	Store  string
	State  string
	Tmp    string
	Traces string
	Logs   string
	Crash  string
	Abort  string // exit requests written before forced shutdown
}

func PathsFor(dataDir string) Paths {
	statePath := filepath.Join(dataDir, "state")
	return Paths{
		// base
		Data: dataDir,

		// durable router backends
		Store: filepath.Join(dataDir, "store"),

		// state
		State:  statePath,
		Tmp:    filepath.Join(statePath, "tmp"),
		Traces: filepath.Join(statePath, "traces"),
		Logs:   filepath.Join(statePath, "logs"),
		Crash:  filepath.Join(statePath, "crash"),
		Abort:  filepath.Join(statePath, "abort"),
	}
}

// Convenience helpers
func StorePath(dataDir string) string  { return PathsFor(dataDir).Store }
func StatePath(dataDir string) string  { return PathsFor(dataDir).State }
func TmpPath(dataDir string) string    { return PathsFor(dataDir).Tmp }
func TracesPath(dataDir string) string { return PathsFor(dataDir).Traces }
func LogsPath(dataDir string) string   { return PathsFor(dataDir).Logs }
func CrashPath(dataDir string) string  { return PathsFor(dataDir).Crash }
func AbortPath(dataDir string) string  { return PathsFor(dataDir).Abort }
