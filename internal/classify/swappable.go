package classify

import "sync/atomic"

// Swappable wraps a Classifier behind an atomic pointer so configuration
// reloads can replace the rule set without stalling classification.
type Swappable struct {
	current atomic.Pointer[Classifier]
}

func NewSwappable(c *Classifier) *Swappable {
	s := &Swappable{}
	s.current.Store(c)
	return s
}

// Swap installs a new classifier. In-flight Classify calls finish on the
// old one.
func (s *Swappable) Swap(c *Classifier) {
	s.current.Store(c)
}

func (s *Swappable) Classify(shortSenderID, body string, timestamp int64) Classification {
	return s.current.Load().Classify(shortSenderID, body, timestamp)
}
