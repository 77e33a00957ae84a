//go:build !(linux || darwin)

package modelstore

import "errors"

func freeSpace(string) (uint64, error) {
	return 0, errors.New("free space probe not supported on this platform")
}
