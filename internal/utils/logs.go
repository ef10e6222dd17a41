package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// RotationInterval defines rotation time intervals
type RotationInterval string

const (
	RotationHourly  RotationInterval = "hourly"
	RotationDaily   RotationInterval = "daily"
	RotationWeekly  RotationInterval = "weekly"
	RotationMonthly RotationInterval = "monthly"
)

// LogRotationConfig holds rotation configuration
type LogRotationConfig struct {
	MaxSizeMB      int64
	MaxAge         int // days, 0 keeps everything
	MaxBackups     int // 0 keeps everything
	TimeInterval   RotationInterval
	EnableRotation bool
}

type LogsManager struct {
	cm              *ConfigManager
	dir             string
	logFileName     string
	logger          *log.Logger
	file            *os.File
	mirror          io.Writer
	mutex           sync.RWMutex
	rotationConfig  LogRotationConfig
	rotateMutex     sync.Mutex // serializes rotation checks and guards lastRotateCheck
	lastRotateCheck time.Time
	fileSize        atomic.Int64
}

func NewLogsManager(cm *ConfigManager) *LogsManager {
	paths := GetAppPaths("")

	lm := &LogsManager{
		cm:          cm,
		dir:         paths.LogDir,
		logFileName: cm.GetConfigWithDefault("logfile", "comfy-deploy.log"),
		logger:      log.New(),
		rotationConfig: LogRotationConfig{
			MaxSizeMB:      parseConfigInt64(cm.GetConfigWithDefault("log_max_size_mb", "100"), 100),
			MaxAge:         parseConfigInt(cm.GetConfigWithDefault("log_max_age_days", "30"), 30),
			MaxBackups:     parseConfigInt(cm.GetConfigWithDefault("log_max_backups", "10"), 10),
			TimeInterval:   RotationInterval(cm.GetConfigWithDefault("log_rotation_interval", "daily")),
			EnableRotation: cm.GetConfigBool("log_enable_rotation", true),
		},
		lastRotateCheck: time.Now(),
	}

	if cm.GetConfigBool("log_stdout", false) {
		lm.mirror = os.Stderr
	}

	if err := lm.initLogger(); err != nil {
		panic(err)
	}

	return lm
}

// NewDiscardLogsManager returns a manager that drops every entry. Used by tests and
// short-lived CLI commands that must not touch the log directory.
func NewDiscardLogsManager() *LogsManager {
	logger := log.New()
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&log.JSONFormatter{})

	return &LogsManager{
		cm:     NewConfigManagerFromMap(nil),
		logger: logger,
	}
}

func (lm *LogsManager) initLogger() error {
	switch runtime.GOOS {
	case "linux", "darwin":
		lm.logFileName = filepath.ToSlash(lm.logFileName)
	case "windows":
		lm.logFileName = filepath.FromSlash(lm.logFileName)
	default:
		return fmt.Errorf("unsupported OS type `%s`", runtime.GOOS)
	}

	path := filepath.Join(lm.dir, lm.logFileName)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return err
	}

	lm.file = file
	if stat, err := file.Stat(); err == nil {
		lm.fileSize.Store(stat.Size())
	}

	logLevel := lm.cm.GetConfigWithDefault("log_level", "info")
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", logLevel)
		level = log.InfoLevel
	}
	lm.logger.SetLevel(level)
	if lm.mirror != nil {
		lm.logger.SetOutput(io.MultiWriter(file, lm.mirror))
	} else {
		lm.logger.SetOutput(file)
	}
	lm.logger.SetFormatter(&log.JSONFormatter{})

	return nil
}

func (lm *LogsManager) fileInfo(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "<???>:1"
	}
	if slash := strings.LastIndex(file, "/"); slash >= 0 {
		file = file[slash+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func (lm *LogsManager) Log(level string, message string, category string) {
	if lm.rotationConfig.EnableRotation && lm.hasFile() {
		lm.checkAndRotate()
	}

	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	entry := lm.logger.WithFields(log.Fields{
		"category": category,
		"file":     lm.fileInfo(3),
	})

	switch level {
	case "trace":
		entry.Trace(message)
	case "debug":
		entry.Debug(message)
	case "warn", "warning":
		entry.Warn(message)
	case "error":
		entry.Error(message)
	default:
		entry.Info(message)
	}

	lm.fileSize.Add(int64(len(message) + 100))
}

func (lm *LogsManager) hasFile() bool {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()
	return lm.file != nil
}

func (lm *LogsManager) Debug(message string, category string) {
	lm.Log("debug", message, category)
}

func (lm *LogsManager) Info(message string, category string) {
	lm.Log("info", message, category)
}

func (lm *LogsManager) Warn(message string, category string) {
	lm.Log("warn", message, category)
}

func (lm *LogsManager) Error(message string, category string) {
	lm.Log("error", message, category)
}

// Logrus exposes the underlying logger for components that log with structured fields
func (lm *LogsManager) Logrus() *log.Logger {
	return lm.logger
}

// Close closes the log file. Later entries are discarded.
func (lm *LogsManager) Close() error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.file == nil {
		return nil
	}
	err := lm.file.Close()
	lm.file = nil
	lm.logger.SetOutput(io.Discard)
	return err
}

func (lm *LogsManager) checkAndRotate() {
	lm.rotateMutex.Lock()
	defer lm.rotateMutex.Unlock()

	now := time.Now()

	if lm.rotationConfig.MaxSizeMB > 0 && lm.fileSize.Load() > lm.rotationConfig.MaxSizeMB*1024*1024 {
		lm.rotateWithBackup("size")
		return
	}

	if now.Sub(lm.lastRotateCheck) > time.Minute {
		lm.lastRotateCheck = now
		if lm.shouldRotateByTime(now) {
			lm.rotateWithBackup("time")
		}
	}
}

func (lm *LogsManager) shouldRotateByTime(now time.Time) bool {
	lm.mutex.RLock()
	file := lm.file
	lm.mutex.RUnlock()
	if file == nil {
		return false
	}

	stat, err := file.Stat()
	if err != nil {
		return false
	}
	modTime := stat.ModTime()

	switch lm.rotationConfig.TimeInterval {
	case RotationHourly:
		return now.Truncate(time.Hour) != modTime.Truncate(time.Hour)
	case RotationDaily:
		return now.YearDay() != modTime.YearDay() || now.Year() != modTime.Year()
	case RotationWeekly:
		nowYear, nowWeek := now.ISOWeek()
		modYear, modWeek := modTime.ISOWeek()
		return nowWeek != modWeek || nowYear != modYear
	case RotationMonthly:
		return now.Month() != modTime.Month() || now.Year() != modTime.Year()
	}

	return false
}

func (lm *LogsManager) rotateWithBackup(reason string) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	backupFileName := fmt.Sprintf("%s.%s.bak", lm.logFileName, timestamp)
	currentPath := filepath.Join(lm.dir, lm.logFileName)

	if lm.file != nil {
		lm.file.Close()
		lm.file = nil
	}

	if _, err := os.Stat(currentPath); err == nil {
		if err := os.Rename(currentPath, filepath.Join(lm.dir, backupFileName)); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create log backup %s: %v\n", backupFileName, err)
		}
	}

	if err := lm.initLogger(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reinitialize logger after rotation: %v\n", err)
		return
	}

	lm.cleanupOldBackups()

	lm.logger.WithFields(log.Fields{
		"category": "logrotate",
		"reason":   reason,
		"backup":   backupFileName,
	}).Info("Log rotated")
}

func (lm *LogsManager) cleanupOldBackups() {
	if lm.rotationConfig.MaxAge <= 0 && lm.rotationConfig.MaxBackups <= 0 {
		return
	}

	files, err := filepath.Glob(filepath.Join(lm.dir, lm.logFileName+"*.bak"))
	if err != nil {
		return
	}

	type backup struct {
		path    string
		modTime time.Time
	}

	var backups []backup
	now := time.Now()
	for _, file := range files {
		stat, err := os.Stat(file)
		if err != nil {
			continue
		}
		if lm.rotationConfig.MaxAge > 0 && now.Sub(stat.ModTime()) > time.Duration(lm.rotationConfig.MaxAge)*24*time.Hour {
			os.Remove(file)
			continue
		}
		backups = append(backups, backup{path: file, modTime: stat.ModTime()})
	}

	if lm.rotationConfig.MaxBackups > 0 && len(backups) > lm.rotationConfig.MaxBackups {
		sort.Slice(backups, func(i, j int) bool {
			return backups[i].modTime.Before(backups[j].modTime)
		})
		for _, b := range backups[:len(backups)-lm.rotationConfig.MaxBackups] {
			os.Remove(b.path)
		}
	}
}

// SetLogLevel updates the log level at runtime
func (lm *LogsManager) SetLogLevel(levelStr string) error {
	level, err := log.ParseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("invalid log level '%s': %v", levelStr, err)
	}

	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.logger.SetLevel(level)

	return nil
}

func parseConfigInt64(value string, fallback int64) int64 {
	if result, err := strconv.ParseInt(value, 10, 64); err == nil {
		return result
	}
	return fallback
}

func parseConfigInt(value string, fallback int) int {
	if result, err := strconv.Atoi(value); err == nil {
		return result
	}
	return fallback
}
