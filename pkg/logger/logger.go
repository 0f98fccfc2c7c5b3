package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	log "github.com/sirupsen/logrus"
)

// Config controls where and how much the service logs
type Config struct {
	Level     string
	Directory string
	MaxAge    int // days
	Stdout    bool
}

// LogFormatter log formatter structure
type LogFormatter struct {
	TimestampFormat string
	LevelDesc       []string
}

// Format format entry in custom format
func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	timestamp := entry.Time.Format(f.TimestampFormat)
	level := f.LevelDesc[entry.Level]

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", timestamp, level, entry.Message)
	for k, v := range entry.Data {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

func init() {
	log.SetFormatter(newFormatter())
	log.SetOutput(os.Stdout)
}

func newFormatter() *LogFormatter {
	return &LogFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
		LevelDesc:       []string{"PANIC", "FATAL", "ERROR", "WARN", "INFO", "DEBUG", "TRACE"},
	}
}

// Init sets level and output. With Stdout unset, output goes to hourly
// rotated files under a folder per day.
func Init(cfg Config) error {
	level, err := log.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Stdout {
		log.SetOutput(os.Stdout)
		return nil
	}

	dir := cfg.Directory
	if dir == "" {
		dir = "./logs"
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 2
	}

	logFile := filepath.Join(dir, ".log")
	dateFolder, err := createLogFolder(logFile)
	if err != nil {
		return fmt.Errorf("create log folder: %w", err)
	}

	rl, err := initializeLogRotation(logFile, dateFolder, maxAge)
	if err != nil {
		return fmt.Errorf("init log rotation: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rl))

	deleteOldLogFilesRoutine(dir, maxAge)
	return nil
}

// createLogFolder creates a folder for logs based on the current date
func createLogFolder(logFile string) (string, error) {
	baseDir := filepath.Dir(logFile)
	dateFolder := filepath.Join(baseDir, time.Now().Format("2006-01-02"))
	return dateFolder, os.MkdirAll(dateFolder, 0755)
}

func initializeLogRotation(logFile, dateFolder string, maxAgeDays int) (*rotatelogs.RotateLogs, error) {
	return rotatelogs.New(
		fmt.Sprintf("%s/%%Y-%%m-%%d-%%H%s", dateFolder, filepath.Base(logFile)),
		rotatelogs.WithLinkName(fmt.Sprintf("%s/%s", dateFolder, filepath.Base(logFile))),
		rotatelogs.WithRotationTime(time.Hour),
		rotatelogs.WithMaxAge(time.Duration(maxAgeDays)*24*time.Hour),
		rotatelogs.WithHandler(rotatelogs.HandlerFunc(func(e rotatelogs.Event) {
			if e.Type() != rotatelogs.FileRotatedEventType {
				return
			}
			prev := e.(*rotatelogs.FileRotatedEvent).PreviousFile()
			if prev == "" {
				return
			}
			if err := compressLogFile(prev, prev+".gz"); err != nil {
				log.Errorf("compress %s: %v", prev, err)
			}
		})),
	)
}

func deleteOldLogFilesRoutine(dir string, maxAgeDays int) {
	go func() {
		for {
			deleteOldDateFolders(dir, maxAgeDays)
			time.Sleep(time.Hour)
		}
	}()
}

// deleteOldDateFolders deletes date folders older than the specified max age
func deleteOldDateFolders(baseDir string, maxAgeDays int) {
	cutoff := time.Now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(baseDir, e.Name())); err != nil {
			log.Warnf("delete old log folder %s: %v", e.Name(), err)
		}
	}
}

func compressLogFile(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	gzf, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fi.Mode())
	if err != nil {
		return err
	}
	defer gzf.Close()

	gz := gzip.NewWriter(gzf)
	if _, err := io.Copy(gz, f); err != nil {
		gz.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// Info logs informational messages
func Info(message string) { log.Info(message) }

// Warn logs warning messages
func Warn(message string) { log.Warn(message) }

// Error logs error messages
func Error(message string) { log.Error(message) }

// Debug logs debug messages
func Debug(message string) { log.Debug(message) }

func Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
func Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }

// WithFields returns an entry carrying structured context
func WithFields(fields map[string]interface{}) *log.Entry {
	return log.WithFields(log.Fields(fields))
}

// WithDevice is the common customer/device context
func WithDevice(customerID, deviceID string) *log.Entry {
	return log.WithFields(log.Fields{"customer": customerID, "device": deviceID})
}

// WriteLog writes a request-scoped line tagged with key and trace id
func WriteLog(level string, traceID string, key string, message interface{}) {
	if traceID == "" {
		traceID = "no-uuid-found"
	}
	line := fmt.Sprintf("[%v] [%v] | %+v", key, traceID, message)
	switch level {
	case "ERROR":
		log.Error(line)
	case "WARN":
		log.Warn(line)
	case "DEBUG":
		log.Debug(line)
	default:
		log.Info(line)
	}
}
