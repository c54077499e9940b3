package logger

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *Logger
	once         sync.Once
)

// Logger 高性能日志记录器
type Logger struct {
	*zap.Logger
	sugar  *zap.SugaredLogger
	fields []zap.Field
}

// LogConfig 日志配置
type LogConfig struct {
	Level             string `mapstructure:"level"`              // 日志级别
	Format            string `mapstructure:"format"`             // 日志格式 json/console
	Output            string `mapstructure:"output"`             // 输出 stdout/stderr/file
	FilePath          string `mapstructure:"file_path"`          // 文件路径
	Development       bool   `mapstructure:"development"`        // 开发模式
	DisableCaller     bool   `mapstructure:"disable_caller"`     // 禁用调用者信息
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"` // 禁用堆栈跟踪
}

// NewLogger 创建新的日志记录器
func NewLogger(config *LogConfig) *Logger {
	level := parseLogLevel(config.Level)
	encoderConfig := getEncoderConfig(config.Development)

	var encoder zapcore.Encoder
	if config.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	writeSyncer := getLogWriter(config)
	core := zapcore.NewCore(encoder, writeSyncer, level)
	opts := buildLoggerOptions(config)

	zapLogger := zap.New(core, opts...)

	return &Logger{
		Logger: zapLogger,
		sugar:  zapLogger.Sugar(),
		fields: make([]zap.Field, 0),
	}
}

// parseLogLevel 解析日志级别
func parseLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// getEncoderConfig 获取编码器配置
func getEncoderConfig(development bool) zapcore.EncoderConfig {
	if development {
		config := zap.NewDevelopmentEncoderConfig()
		config.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
		config.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return config
	}

	config := zap.NewProductionEncoderConfig()
	config.TimeKey = "timestamp"
	config.LevelKey = "level"
	config.MessageKey = "message"
	config.CallerKey = "caller"
	config.StacktraceKey = "stacktrace"
	config.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncodeLevel = zapcore.LowercaseLevelEncoder
	config.EncodeDuration = zapcore.SecondsDurationEncoder
	config.EncodeCaller = zapcore.ShortCallerEncoder

	return config
}

// getLogWriter 获取日志写入器
func getLogWriter(config *LogConfig) zapcore.WriteSyncer {
	switch config.Output {
	case "stderr":
		return zapcore.AddSync(os.Stderr)
	case "file":
		if config.FilePath != "" {
			file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err == nil {
				return zapcore.AddSync(file)
			}
		}
		fallthrough
	default:
		return zapcore.AddSync(os.Stdout)
	}
}

// buildLoggerOptions 构建日志器选项
func buildLoggerOptions(config *LogConfig) []zap.Option {
	opts := make([]zap.Option, 0)

	if !config.DisableCaller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if !config.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if config.Development {
		opts = append(opts, zap.Development())
	}

	return opts
}

// WithField 添加字段
func (l *Logger) WithField(key string, value interface{}) *Logger {
	newFields := make([]zap.Field, len(l.fields)+1)
	copy(newFields, l.fields)
	newFields[len(l.fields)] = zap.Any(key, value)

	return &Logger{
		Logger: l.Logger,
		sugar:  l.sugar,
		fields: newFields,
	}
}

// WithFields 添加多个字段
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	newFields := make([]zap.Field, len(l.fields), len(l.fields)+len(fields))
	copy(newFields, l.fields)
	for key, value := range fields {
		newFields = append(newFields, zap.Any(key, value))
	}

	return &Logger{
		Logger: l.Logger,
		sugar:  l.sugar,
		fields: newFields,
	}
}

// Debug 调试日志
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.Logger.Debug(msg, append(l.fields, fields...)...)
}

// Info 信息日志
func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.Logger.Info(msg, append(l.fields, fields...)...)
}

// Warn 警告日志
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.Logger.Warn(msg, append(l.fields, fields...)...)
}

// Error 错误日志
func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.Logger.Error(msg, append(l.fields, fields...)...)
}

// Fatal 致命错误日志
func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	l.Logger.Fatal(msg, append(l.fields, fields...)...)
}

// Debugf 格式化调试日志
func (l *Logger) Debugf(template string, args ...interface{}) {
	l.sugar.Debugf(template, args...)
}

// Infof 格式化信息日志
func (l *Logger) Infof(template string, args ...interface{}) {
	l.sugar.Infof(template, args...)
}

// Warnf 格式化警告日志
func (l *Logger) Warnf(template string, args ...interface{}) {
	l.sugar.Warnf(template, args...)
}

// Errorf 格式化错误日志
func (l *Logger) Errorf(template string, args ...interface{}) {
	l.sugar.Errorf(template, args...)
}

// Fatalf 格式化致命错误日志
func (l *Logger) Fatalf(template string, args ...interface{}) {
	l.sugar.Fatalf(template, args...)
}

// Sync 同步日志缓冲区
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}

// InitGlobalLogger 初始化全局日志记录器
func InitGlobalLogger(config *LogConfig) {
	once.Do(func() {
		globalLogger = NewLogger(config)
	})
}

// GetGlobalLogger 获取全局日志记录器
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(&LogConfig{
			Level:       "info",
			Format:      "console",
			Output:      "stdout",
			Development: true,
		})
	}
	return globalLogger
}

// 全局日志函数
func Debug(msg string, fields ...zap.Field) {
	GetGlobalLogger().Debug(msg, fields...)
}

func Debugf(template string, args ...interface{}) {
	GetGlobalLogger().Debugf(template, args...)
}

func Info(msg string, fields ...zap.Field) {
	GetGlobalLogger().Info(msg, fields...)
}

func Infof(template string, args ...interface{}) {
	GetGlobalLogger().Infof(template, args...)
}

func Warn(msg string, fields ...zap.Field) {
	GetGlobalLogger().Warn(msg, fields...)
}

func Warnf(template string, args ...interface{}) {
	GetGlobalLogger().Warnf(template, args...)
}

func Error(msg string, fields ...zap.Field) {
	GetGlobalLogger().Error(msg, fields...)
}

func Errorf(template string, args ...interface{}) {
	GetGlobalLogger().Errorf(template, args...)
}

func Fatal(msg string, fields ...zap.Field) {
	GetGlobalLogger().Fatal(msg, fields...)
}

func Fatalf(template string, args ...interface{}) {
	GetGlobalLogger().Fatalf(template, args...)
}

func WithField(key string, value interface{}) *Logger {
	return GetGlobalLogger().WithField(key, value)
}

func WithFields(fields map[string]interface{}) *Logger {
	return GetGlobalLogger().WithFields(fields)
}

// Sync 同步全局日志缓冲区
func Sync() error {
	return GetGlobalLogger().Sync()
}

// BattleLogger 对战房间专用日志记录器
type BattleLogger struct {
	logger *Logger
	roomID string
}

// NewBattleLogger 创建对战日志记录器
func NewBattleLogger(roomID string) *BattleLogger {
	return &BattleLogger{
		logger: GetGlobalLogger().WithFields(map[string]interface{}{
			"room_id":   roomID,
			"component": "battle",
		}),
		roomID: roomID,
	}
}

// LogMove 记录玩家落子
func (bl *BattleLogger) LogMove(peerID string, moveNumber int64) {
	bl.logger.Info("Player move",
		zap.String("peer_id", peerID),
		zap.Int64("move_number", moveNumber),
	)
}

// LogGameStart 记录对战开始
func (bl *BattleLogger) LogGameStart(players []string, startingPlayer string) {
	bl.logger.Info("Game started",
		zap.Strings("players", players),
		zap.String("starting_player", startingPlayer),
	)
}

// LogGameEnd 记录对战结束
func (bl *BattleLogger) LogGameEnd(winner, reason string, duration time.Duration) {
	bl.logger.Info("Game ended",
		zap.String("winner", winner),
		zap.String("reason", reason),
		zap.Duration("duration", duration),
	)
}

// LogPeerEvent 记录房间内成员事件
func (bl *BattleLogger) LogPeerEvent(event, peerID string) {
	bl.logger.Info("Room peer event",
		zap.String("event", event),
		zap.String("peer_id", peerID),
	)
}

// SyncLogger 状态同步专用日志记录器
type SyncLogger struct {
	logger *Logger
}

// NewSyncLogger 创建同步日志记录器
func NewSyncLogger() *SyncLogger {
	return &SyncLogger{
		logger: GetGlobalLogger().WithField("component", "sync"),
	}
}

// LogSync 记录一次状态同步
func (sl *SyncLogger) LogSync(roomID string, version int64, delta bool, changeCount int) {
	sl.logger.Debug("State sync",
		zap.String("room_id", roomID),
		zap.Int64("version", version),
		zap.Bool("delta", delta),
		zap.Int("change_count", changeCount),
	)
}

// LogConflict 记录一次冲突处理
func (sl *SyncLogger) LogConflict(roomID, conflictType, strategy string, resolved bool) {
	sl.logger.Warn("State conflict",
		zap.String("room_id", roomID),
		zap.String("conflict_type", conflictType),
		zap.String("strategy", strategy),
		zap.Bool("resolved", resolved),
	)
}

// NetQualityLogger 网络质量日志记录器
type NetQualityLogger struct {
	logger *Logger
}

// NewNetQualityLogger 创建网络质量日志记录器
func NewNetQualityLogger() *NetQualityLogger {
	return &NetQualityLogger{
		logger: GetGlobalLogger().WithField("component", "netquality"),
	}
}

// LogLatency 记录延迟采样
func (nl *NetQualityLogger) LogLatency(peerID string, latency time.Duration, bucket string) {
	nl.logger.Debug("Latency sample",
		zap.String("peer_id", peerID),
		zap.Duration("latency", latency),
		zap.String("bucket", bucket),
	)
}

// PerformanceLogger 性能日志记录器
type PerformanceLogger struct {
	logger    *Logger
	startTime time.Time
	operation string
}

// NewPerformanceLogger 创建性能日志记录器
func NewPerformanceLogger(operation string) *PerformanceLogger {
	return &PerformanceLogger{
		logger:    GetGlobalLogger(),
		startTime: time.Now(),
		operation: operation,
	}
}

// End 结束性能测量
func (p *PerformanceLogger) End() {
	duration := time.Since(p.startTime)
	p.logger.Info("Performance measurement",
		zap.String("operation", p.operation),
		zap.Duration("duration", duration),
		zap.Int64("duration_ms", duration.Milliseconds()),
	)
}

// Close 关闭日志器并刷新缓冲区
func Close() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
