//go:build !sqlite
// +build !sqlite

package main

import (
	"errors"
	"log/slog"
)

func openSQLite(path string, logger *slog.Logger) (messageStore, error) {
	return nil, errors.New("sqlite backend requires building with -tags sqlite")
}
