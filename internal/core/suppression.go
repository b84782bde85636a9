package core

import "sync/atomic"

// SuppressionFlag is raised by the job monitor while it resolves a job and
// read by the health probe before announcing a degradation.
type SuppressionFlag struct {
	on atomic.Bool
}

func NewSuppressionFlag() *SuppressionFlag {
	return &SuppressionFlag{}
}

func (f *SuppressionFlag) Set() {
	f.on.Store(true)
}

func (f *SuppressionFlag) Clear() {
	f.on.Store(false)
}

func (f *SuppressionFlag) IsSet() bool {
	return f.on.Load()
}
