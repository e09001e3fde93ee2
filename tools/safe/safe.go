package safe

import (
	"runtime/debug"

	"github.com/pplabs/chatwire/logger"
)

// SafeGo starts a goroutine that recovers from panic, so a panicking
// background task does not take the process down.
func SafeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[SafeGo] panic recovered: %v\n%s", r, debug.Stack())
			}
		}()
		f()
	}()
}

// Call invokes f inline and converts a panic into the returned value.
// Used by the event dispatcher so one handler cannot stop the others.
func Call(f func()) (recovered any) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
			logger.Errorf("[safe.Call] panic recovered: %v\n%s", r, debug.Stack())
		}
	}()
	f()
	return nil
}
