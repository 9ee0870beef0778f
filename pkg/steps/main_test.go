package steps

import (
	"os"
	"testing"

	"nodebase/api/internal/testutil"
)

func TestMain(m *testing.M) {
	code := m.Run()
	testutil.TerminateRedis()
	os.Exit(code)
}
