package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// GormLogger routes slow and failing queries to zap. Bound values are never
// logged because order rows carry raw provider payloads.
type GormLogger struct {
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

func NewGormLogger(level gormlogger.LogLevel, slowThreshold time.Duration) *GormLogger {
	return &GormLogger{level: level, slowThreshold: slowThreshold}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	copy := *l
	copy.level = level
	return &copy
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		FromContext(ctx).Info(msg, zap.String("component", "gorm"), zap.Int("args", len(data)))
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		FromContext(ctx).Warn(msg, zap.String("component", "gorm"), zap.Int("args", len(data)))
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		FromContext(ctx).Error(msg, zap.String("component", "gorm"), zap.Int("args", len(data)))
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound) && l.level >= gormlogger.Error:
		l.logQuery(ctx, fc, elapsed, err, zap.ErrorLevel)
	case l.slowThreshold != 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		l.logQuery(ctx, fc, elapsed, nil, zap.WarnLevel)
	case l.level >= gormlogger.Info:
		l.logQuery(ctx, fc, elapsed, nil, zap.DebugLevel)
	}
}

// ParamsFilter drops bound values from the rendered SQL.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func (l *GormLogger) logQuery(ctx context.Context, fc func() (string, int64), elapsed time.Duration, err error, level zapcore.Level) {
	sql, rows := fc()
	operation, table := describeSQL(sql)
	fields := []zap.Field{
		zap.String("component", "gorm"),
		zap.String("operation", operation),
		zap.String("table", table),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
		zap.Int64("rows_affected", rows),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	log := FromContext(ctx)
	switch level {
	case zap.ErrorLevel:
		log.Error("gorm.query", fields...)
	case zap.WarnLevel:
		log.Warn("gorm.query", fields...)
	default:
		log.Debug("gorm.query", fields...)
	}
}

// describeSQL returns the statement verb and the first table it touches.
func describeSQL(sql string) (string, string) {
	tokens := strings.Fields(strings.ToUpper(strings.TrimSpace(sql)))
	operation, table := "UNKNOWN", "unknown"
	for i, token := range tokens {
		token = strings.Trim(token, "();")
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			if operation == "UNKNOWN" {
				operation = token
			}
			if token == "UPDATE" && i+1 < len(tokens) {
				table = strings.ToLower(strings.Trim(tokens[i+1], `"`+"`"))
				return operation, table
			}
		case "FROM", "INTO":
			if i+1 < len(tokens) {
				table = strings.ToLower(strings.Trim(tokens[i+1], `"`+"`();"))
				return operation, table
			}
		}
	}
	return operation, table
}

var _ gormlogger.Interface = (*GormLogger)(nil)
