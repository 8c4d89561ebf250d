// Package logger はzerologのロガーを設定から生成する。
package logger

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New はログレベルと出力形式を指定してロガーを生成する。
// formatには "json" または "console" を指定する。
func New(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("ログレベルが不正です: %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	switch strings.ToLower(format) {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("ログ形式が不正です: %q", format)
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "gateway").Logger(), nil
}
