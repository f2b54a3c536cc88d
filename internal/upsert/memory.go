package upsert

import "runtime"

// currentRSSMB approximates resident memory via the Go runtime's own heap
// stats rather than the OS RSS counter — sufficient for the pre-flight
// "hint to free and halve chunk-size" check in spec §4.6 step 1, and
// portable without a third-party process-introspection dependency (none in
// the example pack exposes this; documented in DESIGN.md).
func currentRSSMB() int {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int(m.HeapAlloc / (1024 * 1024))
}
