//go:build !unix

package daemon

import "os"

func flockExclusive(file *os.File) error { return nil }

func flockUnlock(file *os.File) {}
