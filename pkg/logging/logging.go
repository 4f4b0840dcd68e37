package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	instanceID     string
	instanceIDOnce sync.Once

	debugEnabled atomic.Bool
	jsonFormat   atomic.Bool

	// Async logging channel and worker
	logChan   chan string
	logWorker sync.Once
	logWg     sync.WaitGroup
	logMu     sync.Mutex
)

// initLogWorker starts the async log worker goroutine
func initLogWorker() {
	logMu.Lock()
	defer logMu.Unlock()

	logWorker.Do(func() {
		logChan = make(chan string, 1000)

		logWg.Add(1)
		go func() {
			defer logWg.Done()
			for msg := range logChan {
				log.Print(msg)
			}
		}()
	})
}

// GetInstanceID returns the identifier printed in front of every log line.
func GetInstanceID() string {
	instanceIDOnce.Do(func() {
		instanceID = os.Getenv("INSTANCE_ID")
		if instanceID == "" {
			instanceID = os.Getenv("HOSTNAME")
		}
		if instanceID == "" {
			hostname, _ := os.Hostname()
			if hostname != "" {
				if len(hostname) > 8 {
					instanceID = hostname[len(hostname)-8:]
				} else {
					instanceID = hostname
				}
			} else {
				instanceID = "unknown"
			}
		}
	})
	return instanceID
}

// SetLevel enables debug output for "debug"; any other value keeps info only.
func SetLevel(level string) {
	debugEnabled.Store(strings.EqualFold(strings.TrimSpace(level), "debug"))
}

// DebugEnabled reports whether Debugf lines are emitted.
func DebugEnabled() bool {
	return debugEnabled.Load()
}

// SetFormat selects "json" lines (one object per line) or the default text lines.
func SetFormat(format string) {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		jsonFormat.Store(true)
		log.SetFlags(0)
		return
	}
	jsonFormat.Store(false)
	log.SetFlags(log.LstdFlags)
}

type jsonLine struct {
	Time     string `json:"time"`
	Level    string `json:"level"`
	Instance string `json:"instance"`
	Msg      string `json:"msg"`
}

func formatLine(level, msg string) string {
	if jsonFormat.Load() {
		b, err := json.Marshal(jsonLine{
			Time:     time.Now().UTC().Format(time.RFC3339Nano),
			Level:    level,
			Instance: GetInstanceID(),
			Msg:      msg,
		})
		if err == nil {
			return string(b)
		}
	}
	if level == "debug" {
		msg = "[debug] " + msg
	}
	return fmt.Sprintf("[instance=%s] %s", GetInstanceID(), msg)
}

func emit(level, msg string) {
	initLogWorker()
	logMsg := formatLine(level, msg)

	logMu.Lock()
	defer logMu.Unlock()
	if logChan == nil {
		log.Print(logMsg)
		return
	}

	// Non-blocking send: fall back to sync logging when the buffer is full
	select {
	case logChan <- logMsg:
	default:
		log.Print(logMsg)
	}
}

// Logf logs a formatted message with instance prefix (async, non-blocking)
func Logf(format string, v ...interface{}) {
	emit("info", fmt.Sprintf(format, v...))
}

// Log logs a message with instance prefix (async, non-blocking)
func Log(v ...interface{}) {
	emit("info", fmt.Sprint(v...))
}

// Debugf logs only when the level is debug
func Debugf(format string, v ...interface{}) {
	if !debugEnabled.Load() {
		return
	}
	emit("debug", fmt.Sprintf(format, v...))
}

// Fatalf logs a fatal error with instance prefix and exits (synchronous for fatal errors)
func Fatalf(format string, v ...interface{}) {
	Flush()
	log.Fatal(formatLine("fatal", fmt.Sprintf(format, v...)))
}

// Flush waits for all pending log messages to be written
func Flush() {
	logMu.Lock()
	ch := logChan
	logChan = nil
	if ch != nil {
		close(ch)
	}
	logMu.Unlock()

	if ch != nil {
		logWg.Wait()

		logMu.Lock()
		logWorker = sync.Once{}
		logMu.Unlock()
	}
}
