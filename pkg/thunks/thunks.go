// Package thunks contains pointers to functions that might be replaced in
// tests.
package thunks

import (
	"time"
)

// TimeNow is an alias for time.Now
var TimeNow func() time.Time = time.Now

// SetUpTest replaces thunks with stable test versions. Call TearDownTest to
// restore them.
func SetUpTest(now time.Time) {
	TimeNow = func() time.Time {
		return now
	}
}

// TearDownTest restores the thunks replaced by SetUpTest.
func TearDownTest() {
	TimeNow = time.Now
}
