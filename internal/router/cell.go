package router

import "sync/atomic"

// LanguageCell holds the session's current target language. Writers and the
// router goroutine share it without a lock; each event reads it once.
type LanguageCell struct {
	v atomic.Pointer[string]
}

func NewLanguageCell(lang string) *LanguageCell {
	c := &LanguageCell{}
	if lang != "" {
		c.Set(lang)
	}
	return c
}

func (c *LanguageCell) Set(lang string) {
	c.v.Store(&lang)
}

// Get returns the current target, or "" if none was set.
func (c *LanguageCell) Get() string {
	if p := c.v.Load(); p != nil {
		return *p
	}
	return ""
}
