//go:build unix

package daemon

import (
	"os"
	"syscall"
)

func flockExclusive(file *os.File) error {
	return syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

func flockUnlock(file *os.File) {
	syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
}
