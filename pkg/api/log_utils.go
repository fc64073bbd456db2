package api

import (
	"time"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/secrets"
)

// logBodyLimit keeps request/response bodies from flooding the log.
const logBodyLimit = 4096

func logSafe(b []byte) []byte {
	if len(b) > logBodyLimit {
		b = append(b[:logBodyLimit:logBodyLimit], []byte("... [truncated]")...)
	}
	return []byte(secrets.RedactString(string(b)))
}

func logRequest(logger *zap.Logger, tag, method, path string, body []byte) time.Time {
	logger.Info(tag+"_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.ByteString("body", logSafe(body)),
	)
	return time.Now()
}

func logResponse(logger *zap.Logger, tag string, status int, body []byte, started time.Time) {
	logger.Info(tag+"_response",
		zap.Int("status", status),
		zap.Int64("latency_ms", time.Since(started).Milliseconds()),
		zap.ByteString("body", logSafe(body)),
	)
}
