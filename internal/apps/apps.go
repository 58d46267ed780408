// Package apps contains ready-made communication models built on the
// federation: answering inbound calls with a scripted dialog, placing
// announcement calls, sending texts, calling texters back, and a
// multi-line callback dispatcher.
package apps

import (
	"context"
	"log/slog"
	"time"
)

// claimTimeout bounds how long an application waits for the federation
// to lend it a resource.
const claimTimeout = 60 * time.Second

func claimContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), claimTimeout)
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
