package state

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"blobfront/pkg/logger"
)

// Crash writes a crash dump to the crash folder with diagnostics and
// terminates the process.
func Crash(reason string, err error) {
	crashDir := PathsVar.Crash
	if crashDir == "" {
		logger.Error("crash_path_not_initialized", "reason", reason, "error", err)
		os.Exit(1)
	}

	if e := os.MkdirAll(crashDir, 0o700); e != nil {
		logger.Error("failed_to_create_crash_dir", "error", e, "reason", reason)
		os.Exit(1)
	}

	ts := time.Now().UnixNano()
	dumpName := fmt.Sprintf("crash-%d.log", ts)
	dumpPath := filepath.Join(crashDir, dumpName)

	f, ferr := os.Create(dumpPath)
	if ferr != nil {
		logger.Error("failed_to_create_crash_dump", "error", ferr, "reason", reason)
		os.Exit(1)
	}
	defer f.Close()

	fmt.Fprintf(f, "time: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(f, "reason: %s\n", reason)
	if err != nil {
		fmt.Fprintf(f, "error: %v\n", err)
	}
	fmt.Fprintf(f, "\n--- environ ---\n")
	for _, e := range os.Environ() {
		fmt.Fprintln(f, e)
	}
	fmt.Fprintf(f, "\n--- goroutine stacks ---\n")
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	f.Write(buf[:n])

	logger.Error("crash_dump_written_exiting", "path", dumpPath, "reason", reason, "error", err)
	os.Exit(1)
}
