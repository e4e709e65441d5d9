package service_test

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// lumberjack starts its compression goroutine once and never stops it
		goleak.IgnoreTopFunction("github.com/natefinch/lumberjack.(*Logger).millRun"),
	)
}
