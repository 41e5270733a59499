package app

import (
	"os"
	"sync"
	"sync/atomic"
)

const testModeEnv = "SHOP_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether the process runs under tests and should skip external
// side effects such as seeding or connecting to Redis.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode re-reads SHOP_TEST_MODE after environment changes.
func RefreshTestMode() {
	detectTestMode()
}
