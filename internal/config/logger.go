package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	gormlogger "gorm.io/gorm/logger"
)

// InitLogger 初始化全局 logrus（级别、格式、输出目标）
func InitLogger(cfg *Config) error {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logrus.Warnf("Invalid log level '%s', using 'info'", cfg.Log.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(formatterFor(cfg.Log.Format))

	out, err := outputFor(cfg.Log)
	if err != nil {
		return err
	}
	logrus.SetOutput(out)

	logrus.Infof("Logger initialized - Level: %s, Format: %s, Output: %s",
		cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	return nil
}

func formatterFor(format string) logrus.Formatter {
	if strings.ToLower(format) == "text" {
		return &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		}
	}
	return &logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"}
}

func outputFor(lc LogConfig) (io.Writer, error) {
	switch strings.ToLower(lc.Output) {
	case "file":
		return rotateWriter(lc)
	case "both":
		w, err := rotateWriter(lc)
		if err != nil {
			return nil, err
		}
		return io.MultiWriter(os.Stdout, w), nil
	default:
		return os.Stdout, nil
	}
}

// rotateWriter 基于 lumberjack 的按大小轮转文件
func rotateWriter(lc LogConfig) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(lc.FilePath), 0755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   lc.FilePath,
		MaxSize:    lc.MaxSize,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAge,
		Compress:   lc.Compress,
		LocalTime:  true,
	}, nil
}

// GormLogLevel 将日志级别映射到 gorm logger 级别
func GormLogLevel(cfg *Config) gormlogger.LogLevel {
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "trace":
		return gormlogger.Info
	case "warn", "warning":
		return gormlogger.Warn
	case "error", "fatal", "panic":
		return gormlogger.Error
	default:
		return gormlogger.Warn
	}
}
