package logger

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var Log *slog.Logger

type asyncWriter struct {
	ch chan []byte
}

func (a *asyncWriter) Write(p []byte) (n int, err error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case a.ch <- cp:
		return len(p), nil
	default:
		// drop if queue full to avoid blocking
		return len(p), nil
	}
}

var logCh chan []byte
var logStopCh chan struct{}
var logWG sync.WaitGroup

// Init initializes the global slog logger with an async buffered text
// handler. The level string ("debug", "info", "warn", "error") wins over the
// BLOBFRONT_LOG_LEVEL env var; the sink may be redirected with
// BLOBFRONT_LOG_SINK (e.g. "file:/var/log/blobfront.log").
func Init(level string) {
	sink := os.Getenv("BLOBFRONT_LOG_SINK")
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		lvl = strings.ToLower(strings.TrimSpace(os.Getenv("BLOBFRONT_LOG_LEVEL")))
	}
	var lv slog.Level
	switch lvl {
	case "debug":
		lv = slog.LevelDebug
	case "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	case "info":
		lv = slog.LevelInfo
	default:
		lv = slog.LevelInfo
	}

	logCh = make(chan []byte, 10000)
	logStopCh = make(chan struct{})
	aw := &asyncWriter{ch: logCh}
	Log = slog.New(slog.NewTextHandler(aw, &slog.HandlerOptions{Level: lv}))

	logWG.Add(1)
	go func() {
		defer logWG.Done()
		var buf *bufio.Writer
		var f *os.File
		if strings.HasPrefix(sink, "file:") {
			path := strings.TrimPrefix(sink, "file:")
			var err error
			f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
				buf = bufio.NewWriterSize(os.Stdout, 8192)
			} else {
				buf = bufio.NewWriterSize(f, 8192)
			}
		} else {
			buf = bufio.NewWriterSize(os.Stdout, 8192)
		}
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case b := <-logCh:
				buf.Write(b)
			case <-ticker.C:
				buf.Flush()
			case <-logStopCh:
				for {
					select {
					case b := <-logCh:
						buf.Write(b)
					default:
						buf.Flush()
						if f != nil {
							f.Close()
						}
						return
					}
				}
			}
		}
	}()
}

// Sync flushes any buffered logs and stops the writer goroutine.
func Sync() {
	if logStopCh != nil {
		close(logStopCh)
		logWG.Wait()
		logStopCh = nil
	}
}

// Debug logs with slog-style key/value pairs.
func Debug(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Debug(msg, args...)
}

// Info logs with slog-style key/value pairs.
func Info(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Info(msg, args...)
}

// Warn logs with slog-style key/value pairs.
func Warn(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Warn(msg, args...)
}

// Error logs with slog-style key/value pairs.
func Error(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Error(msg, args...)
}

// LogConfigSummary prints a human-friendly, hyphenated list of configuration
// results. The block is printed to stdout regardless of the configured
// logger so startup config dumps stay highly visible.
func LogConfigSummary(title string, items []string) {
	if len(items) == 0 {
		return
	}
	human := titleCase(strings.ReplaceAll(title, "_", " "))
	header := "== " + human + " "
	// pad header to a fixed width for visual separation
	const width = 60
	if len(header) < width {
		header = header + strings.Repeat("=", width-len(header))
	}
	fmt.Fprintln(os.Stdout, header)
	for _, it := range items {
		fmt.Fprintln(os.Stdout, "- "+it)
	}
	fmt.Fprintln(os.Stdout)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
