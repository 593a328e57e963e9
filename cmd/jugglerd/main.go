// Package main is the Juggler Go server entrypoint binary.
//
// It intentionally delegates startup to the internal app package to keep main small,
// testable (via app), and lint-friendly.
package main

import (
	"log/slog"
	"os"

	"juggler/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		slog.Error("jugglerd.exit", "err", err)
		os.Exit(1)
	}
}
