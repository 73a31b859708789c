package observability

import "testing"

func TestNewMetricsRegistersWithoutPanic(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	// MustRegister would have panicked on a duplicate descriptor; calling it
	// twice here would prove collision-freedom, but NewMetrics always
	// allocates a fresh registry so a second call is an independent check.
	m2 := NewMetrics()
	if m2 == nil {
		t.Fatal("second NewMetrics call returned nil")
	}
}

func TestBuildLoggerRejectsBadLevel(t *testing.T) {
	if _, err := BuildLogger("not-a-level", "json"); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestBuildLoggerAcceptsValidLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		if _, err := BuildLogger(lvl, "console"); err != nil {
			t.Errorf("BuildLogger(%q, console) failed: %v", lvl, err)
		}
		if _, err := BuildLogger(lvl, "json"); err != nil {
			t.Errorf("BuildLogger(%q, json) failed: %v", lvl, err)
		}
	}
}
