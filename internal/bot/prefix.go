package bot

import "sync"

// Prefix is the mutable command prefix. It lives in memory behind a mutex
// and is persisted to bot_metadata by the setprefix handler, so a restart
// comes back with the last configured value.
type Prefix struct {
	mu    sync.RWMutex
	value string
}

func NewPrefix(initial string) *Prefix {
	if initial == "" {
		initial = "!"
	}
	return &Prefix{value: initial}
}

func (p *Prefix) Get() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value
}

func (p *Prefix) Set(v string) {
	p.mu.Lock()
	p.value = v
	p.mu.Unlock()
}
