package app

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// TestModeEnv disables network side effects in the binaries when truthy ("1", "true", ...).
const TestModeEnv = "STOCKCOUNT_TEST_MODE"

var (
	testMode     atomic.Bool
	testModeOnce sync.Once
)

func readTestMode() bool {
	enabled, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(TestModeEnv)))
	return err == nil && enabled
}

// InTestMode reports whether cmd/stockcount and cmd/worker should exit before dialing
// Postgres or Redis. The environment is read once.
func InTestMode() bool {
	testModeOnce.Do(func() { testMode.Store(readTestMode()) })
	return testMode.Load()
}

// RefreshTestMode re-reads TestModeEnv and returns the new value.
func RefreshTestMode() bool {
	testModeOnce.Do(func() {})
	enabled := readTestMode()
	testMode.Store(enabled)
	return enabled
}
