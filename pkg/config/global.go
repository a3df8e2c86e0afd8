package config

import "sync"

var (
	globalMu      sync.RWMutex
	globalManager *Manager
)

// Install makes m the process-wide manager returned by Default.
// Called once by startup; tests install a fresh manager per case.
func Install(m *Manager) {
	globalMu.Lock()
	globalManager = m
	globalMu.Unlock()
}

// Default returns the installed manager, panicking when startup has not
// installed one yet.
func Default() *Manager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalManager == nil {
		panic("config: manager not installed")
	}
	return globalManager
}

// Reset clears the installed manager. Test helper.
func Reset() {
	globalMu.Lock()
	globalManager = nil
	globalMu.Unlock()
}
