package health

import (
	"fmt"
	"sync"
	"testing"

	"logbid/internal/core"
)

type recordingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *recordingLogger) log(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *recordingLogger) count(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.msgs {
		if m == msg {
			n++
		}
	}
	return n
}

func (l *recordingLogger) Debug(msg string, f ...interface{})               { l.log(msg) }
func (l *recordingLogger) Info(msg string, f ...interface{})                { l.log(msg) }
func (l *recordingLogger) Warn(msg string, f ...interface{})                { l.log(msg) }
func (l *recordingLogger) Error(msg string, f ...interface{})               { l.log(msg) }
func (l *recordingLogger) Fatal(msg string, f ...interface{})               { l.log(msg) }
func (l *recordingLogger) WithField(k string, v interface{}) core.ILogger   { return l }
func (l *recordingLogger) WithFields(f map[string]interface{}) core.ILogger { return l }

func TestHealthManager_Aggregation(t *testing.T) {
	hm := NewHealthManager(nil)

	// Initial state: Healthy (no checks)
	if !hm.IsHealthy() {
		t.Error("Empty health manager should be healthy")
	}

	// Add healthy check
	hm.Register("comp1", func() error { return nil })
	if !hm.IsHealthy() {
		t.Error("Healthy component should not fail manager")
	}

	// Add unhealthy check
	hm.Register("comp2", func() error { return fmt.Errorf("failed") })
	if hm.IsHealthy() {
		t.Error("Unhealthy component should fail manager")
	}

	status := hm.GetStatus()
	if status["comp1"] != "Healthy" {
		t.Errorf("Expected Healthy, got %s", status["comp1"])
	}
	if status["comp2"] != "Unhealthy: failed" {
		t.Errorf("Expected Unhealthy, got %s", status["comp2"])
	}
}

func TestHealthManager_LogsTransitionsOnce(t *testing.T) {
	logger := &recordingLogger{}
	hm := NewHealthManager(logger)

	var mu sync.Mutex
	var checkErr error
	hm.Register("realtime", func() error {
		mu.Lock()
		defer mu.Unlock()
		return checkErr
	})

	// Healthy probes are silent
	hm.IsHealthy()
	hm.IsHealthy()
	if got := logger.count("Component unhealthy"); got != 0 {
		t.Errorf("Expected no transition logs while healthy, got %d", got)
	}

	mu.Lock()
	checkErr = fmt.Errorf("feed disconnected")
	mu.Unlock()

	// Only the first failing probe logs
	hm.IsHealthy()
	hm.GetStatus()
	hm.IsHealthy()
	if got := logger.count("Component unhealthy"); got != 1 {
		t.Errorf("Expected 1 unhealthy transition log, got %d", got)
	}

	mu.Lock()
	checkErr = nil
	mu.Unlock()

	hm.IsHealthy()
	hm.IsHealthy()
	if got := logger.count("Component recovered"); got != 1 {
		t.Errorf("Expected 1 recovery log, got %d", got)
	}
}
