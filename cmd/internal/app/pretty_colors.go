package app

import (
	"log/slog"
	"regexp"
	"strconv"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// stripANSI removes colour escapes, for tests and width math.
func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

func paint(s, code string, color bool) string {
	if !color || code == "" {
		return s
	}
	return code + s + ansiReset
}

func colorizeHTTPMethod(m string, color bool) string {
	code := ""
	switch m {
	case "GET":
		code = ansiGreen
	case "POST":
		code = ansiYellow
	case "DELETE":
		code = ansiRed
	case "PUT", "PATCH":
		code = ansiBlue
	}
	return paint(m, code, color)
}

func colorizeStatusCode(status int, color bool) string {
	return paint(strconv.Itoa(status), statusColor(status), color)
}

func colorizeStatusClass(class string, color bool) string {
	code := ""
	if class != "" {
		switch class[0] {
		case '2':
			code = ansiGreen
		case '3':
			code = ansiCyan
		case '4':
			code = ansiYellow
		case '5':
			code = ansiRed
		}
	}
	return paint(class, code, color)
}

func statusColor(status int) string {
	switch {
	case status >= 500:
		return ansiRed
	case status >= 400:
		return ansiYellow
	case status >= 300:
		return ansiCyan
	case status >= 200:
		return ansiGreen
	default:
		return ""
	}
}

// colorizeDurationMS renders "12ms", yellow past 250ms and red past a second.
func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(s, ansiRed, color)
	case ms >= 250:
		return paint(s, ansiYellow, color)
	default:
		return paint(s, ansiDim, color)
	}
}

func colorizeResult(result string, color bool) string {
	code := ""
	switch result {
	case "success", "ok", "created":
		code = ansiGreen
	case "redirect":
		code = ansiCyan
	case "client_error", "invalid", "denied", "duplicate":
		code = ansiYellow
	case "server_error", "error":
		code = ansiRed
	}
	return paint(result, code, color)
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		u := v.Uint64()
		if u > 1<<63-1 {
			return 0, false
		}
		return int64(u), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(v.String(), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
