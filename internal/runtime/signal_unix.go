//go:build !windows

package runtime

import (
	"os"
	"syscall"
)

func osInterruptSignal() os.Signal { return syscall.SIGTERM }
