package builtins

import "riskgate/internal/strategy"

// NewRegistry returns a Registry holding every built-in strategy.
func NewRegistry() *strategy.Registry {
	r := strategy.NewRegistry()
	r.Register(NewSMACross(10, 30))
	r.Register(NewBreakout())
	return r
}
