package opcache

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// NewLogger 创建 go-kit Logger。
// format: logfmt 或 json；lvl: debug / info / warn / error。
func NewLogger(w io.Writer, format, lvl string) (log.Logger, error) {
	writer := log.NewSyncWriter(w)

	var logger log.Logger
	switch strings.ToLower(format) {
	case "", "logfmt":
		logger = log.NewLogfmtLogger(writer)
	case "json":
		logger = log.NewJSONLogger(writer)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	option, err := levelOption(lvl)
	if err != nil {
		return nil, err
	}
	// 级别过滤放在最后
	return level.NewFilter(logger, option), nil
}

func levelOption(lvl string) (level.Option, error) {
	switch strings.ToLower(lvl) {
	case "debug":
		return level.AllowDebug(), nil
	case "", "info":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	}
	return nil, fmt.Errorf("unknown log level %q", lvl)
}

func nopIfNil(logger log.Logger) log.Logger {
	if logger == nil {
		return log.NewNopLogger()
	}
	return logger
}
