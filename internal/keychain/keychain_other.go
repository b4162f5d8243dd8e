//go:build !darwin

package keychain

// NewSystemStore returns an environment backed MemoryStore where no system
// keychain is wired in. Secrets set through it do not outlive the process.
func NewSystemStore() *MemoryStore {
	return NewEnvStore()
}

// Persistent reports whether NewSystemStore survives process restarts.
const Persistent = false
