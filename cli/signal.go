package cli

import (
	"os"
	"syscall"
)

// interruptSignals are the signals server and sync --watch treat as a
// request to shut down gracefully, rather than letting the process die
// uncleanly.
var interruptSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
