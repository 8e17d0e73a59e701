//go:build windows

package runtime

import "os"

func osInterruptSignal() os.Signal { return os.Interrupt }
