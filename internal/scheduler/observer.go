package scheduler

// Observer receives scheduler activity, typically to export metrics.
type Observer interface {
	ChunksQueued(n int)
	ChunkDispatched(carrierID int)
	ChunkCompleted(bytes int)
	ChunkFailed(reason string)
	RetryExhausted()
	Redistribution(kind string)
}

type nopObserver struct{}

func (nopObserver) ChunksQueued(int)      {}
func (nopObserver) ChunkDispatched(int)   {}
func (nopObserver) ChunkCompleted(int)    {}
func (nopObserver) ChunkFailed(string)    {}
func (nopObserver) RetryExhausted()       {}
func (nopObserver) Redistribution(string) {}
