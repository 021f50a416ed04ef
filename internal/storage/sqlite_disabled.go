//go:build !sqlite

package storage

import (
	"errors"

	logx "github.com/GoldenSylph/vk-mass-sending-bot/pkg/logx"
)

// Stub for builds without the sqlite tag, so plain builds carry no
// sqlite dependency they never use.
func openSQLite(Config, logx.Logger) (Store, error) {
	return nil, errors.New(`storage driver "sqlite" requires building with -tags sqlite`)
}
