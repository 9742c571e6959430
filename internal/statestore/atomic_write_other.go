//go:build !windows

package statestore

import "os"

// replaceFile renames from over to; rename(2) is atomic on POSIX.
func replaceFile(from, to string) error {
	return os.Rename(from, to)
}
