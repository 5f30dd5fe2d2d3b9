package sim

import (
	"testing"
	"time"
)

func TestProjectBatteryScenario(t *testing.T) {
	// 100% at 2%/s: 80 after 10s, 0 after 50s
	if got := ProjectBattery(100, 2, 10*time.Second); got != 80 {
		t.Fatalf("after 10s expected 80, got %f", got)
	}
	if got := ProjectBattery(100, 2, 50*time.Second); got != 0 {
		t.Fatalf("after 50s expected 0, got %f", got)
	}
}

func TestProjectBatteryMonotonic(t *testing.T) {
	prev := 101.0
	for s := 0; s <= 120; s++ {
		got := ProjectBattery(100, 1.5, time.Duration(s)*time.Second)
		if got > prev {
			t.Fatalf("level increased at %ds: %f > %f", s, got, prev)
		}
		if got < 0 || got > 100 {
			t.Fatalf("level out of bounds at %ds: %f", s, got)
		}
		prev = got
	}
}

func TestProjectBatteryClampsBelowZero(t *testing.T) {
	if got := ProjectBattery(10, 5, time.Hour); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
}

func TestProjectBatteryZeroElapsed(t *testing.T) {
	if got := ProjectBattery(63, 2, 0); got != 63 {
		t.Fatalf("expected 63, got %f", got)
	}
}
