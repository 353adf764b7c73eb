//go:build sqlite
// +build sqlite

package main

import (
	"log/slog"

	"github.com/VsevolodSauta/jobtier"
)

func openSQLite(path string, logger *slog.Logger) (messageStore, error) {
	return jobtier.NewSQLiteStore(path, logger)
}
