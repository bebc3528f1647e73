package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Fields = logrus.Fields

type Config struct {
	Level      string
	Format     string
	Output     string
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type Logger struct {
	*logrus.Logger
}

func New(cfg Config) (*Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("log output is file but no file path configured")
		}
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	default:
		log.SetOutput(os.Stdout)
	}

	return &Logger{Logger: log}, nil
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithError(err)
}

func (l *Logger) WithFields(fields Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.withKV(keysAndValues).Info(msg)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.withKV(keysAndValues).Warn(msg)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.withKV(keysAndValues).Error(msg)
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.withKV(keysAndValues).Debug(msg)
}

func (l *Logger) withKV(keysAndValues []interface{}) *logrus.Entry {
	fields := Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	return l.Logger.WithFields(fields)
}

// LogAnalysis records a lifecycle event of one analysis run.
func (l *Logger) LogAnalysis(analysisID, event string, duration time.Duration, err error) {
	entry := l.Logger.WithFields(Fields{
		"analysis_id": analysisID,
		"event":       event,
		"duration_ms": duration.Milliseconds(),
	})

	if err != nil {
		entry.WithError(err).Error("Analysis event")
		return
	}
	entry.Info("Analysis event")
}

// LogStage records one stage execution of an analysis run.
func (l *Logger) LogStage(analysisID, stage string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := l.Logger.WithFields(Fields{
		"analysis_id": analysisID,
		"stage":       stage,
		"duration_ms": duration.Milliseconds(),
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}

	if err != nil {
		entry.WithError(err).Error("Stage execution failed")
		return
	}
	entry.Info("Stage executed")
}

// LogService records a call into an external collaborator.
func (l *Logger) LogService(service, operation string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := l.Logger.WithFields(Fields{
		"service":     service,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}

	if err != nil {
		entry.WithError(err).Error("Service call failed")
		return
	}
	entry.Debug("Service call completed")
}
