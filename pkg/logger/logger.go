package logger

import (
	"log"
	"os"

	"ocrgate/pkg/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger struct {
	*zap.SugaredLogger
}

func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{l.SugaredLogger.With(args...)}
}

func NewLogger(config config.LogConfig) *Logger {
	var logLevel zapcore.Level
	if err := logLevel.Set(config.Level); err != nil {
		logLevel = zap.InfoLevel
	}

	core := zapcore.NewCore(getEncoder(config.Format), getLogWriter(config), logLevel)
	if config.ShowConsole && config.Filename != "" {
		// 写文件的同时输出到控制台
		console := zapcore.NewCore(getEncoder("console"), zapcore.Lock(os.Stderr), logLevel)
		core = zapcore.NewTee(core, console)
	}

	return &Logger{zap.New(core, zap.AddCaller()).Sugar()}
}

// New 包装一个已有的 zap.Logger, 测试里配合 zaptest 使用
func New(l *zap.Logger) *Logger {
	return &Logger{l.Sugar()}
}

func NewNop() *Logger {
	return &Logger{zap.NewNop().Sugar()}
}

func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder

	switch format {
	case "console":
		return zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return zapcore.NewJSONEncoder(encoderConfig)
	}
}

func getLogWriter(config config.LogConfig) zapcore.WriteSyncer {
	if config.Filename == "" {
		return zapcore.Lock(os.Stdout)
	}

	lumberJackLogger := &lumberjack.Logger{
		Filename:   config.Filename,
		MaxSize:    config.MaxSize, // megabytes
		MaxBackups: 5,
		MaxAge:     config.MaxAge,   //days
		Compress:   config.Compress, // disabled by default
		LocalTime:  true,
	}

	return zapcore.AddSync(lumberJackLogger)
}

// StdLogger 给 http.Server.ErrorLog 这类只接受标准库 logger 的地方用
func (l *Logger) StdLogger() *log.Logger {
	return zap.NewStdLog(l.Desugar())
}
