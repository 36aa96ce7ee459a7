package testutil

import (
	"strings"
	"testing"
)

func TestDBNameFor(t *testing.T) {
	got := DBNameFor("TestClock/late check-in")
	if got != "stratashift_test_TestClock_late_check_in" {
		t.Errorf("DBNameFor() = %q", got)
	}

	long := DBNameFor("TestAttendance/" + strings.Repeat("x", 80))
	if len(long) != maxDBName || !strings.HasPrefix(long, TestDBName+"_TestAttendance_") {
		t.Errorf("long name = %q (%d bytes)", long, len(long))
	}
}
