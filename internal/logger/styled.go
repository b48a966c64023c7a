package logger

import (
	"fmt"
	"log/slog"

	"github.com/johoja12/nzbstream/pkg/format"
	"github.com/johoja12/nzbstream/theme"
)

// StyledLogger wraps slog.Logger with theme-aware formatting methods
// for the values this engine logs most: provider names, byte counts and
// segment counters.
type StyledLogger struct {
	logger *slog.Logger
	theme  *theme.Theme
}

func NewStyledLogger(logger *slog.Logger, theme *theme.Theme) *StyledLogger {
	return &StyledLogger{
		logger: logger,
		theme:  theme,
	}
}

func (sl *StyledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *StyledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *StyledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *StyledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

func (sl *StyledLogger) InfoWithProvider(msg string, provider string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.theme.Provider.Sprint(provider))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) WarnWithProvider(msg string, provider string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.theme.Provider.Sprint(provider))
	sl.logger.Warn(styledMsg, args...)
}

func (sl *StyledLogger) ErrorWithProvider(msg string, provider string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.theme.Provider.Sprint(provider))
	sl.logger.Error(styledMsg, args...)
}

func (sl *StyledLogger) InfoWithCount(msg string, count int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.theme.Counts.Sprint("(", count, ")"))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) InfoWithBytes(msg string, bytes uint64, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.theme.Bytes.Sprint(format.Bytes(bytes)))
	sl.logger.Info(styledMsg, args...)
}

// GetUnderlying returns the underlying slog.Logger for cases where direct access is needed
func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

// With creates a new StyledLogger with additional key-value pairs
func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{
		logger: sl.logger.With(args...),
		theme:  sl.theme,
	}
}
