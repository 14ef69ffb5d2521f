package artifact

// DefaultMaxInFlight bounds concurrent submissions across all jobs.
const DefaultMaxInFlight = 128

// Gate limits how many artifact submissions are being processed at once.
// One gate is shared by every job in the process.
type Gate struct {
	slots chan struct{}
}

// NewGate creates a gate admitting at most n concurrent holders.
func NewGate(n int) *Gate {
	if n <= 0 {
		n = DefaultMaxInFlight
	}
	return &Gate{slots: make(chan struct{}, n)}
}

// TryAcquire takes a slot without blocking.
func (g *Gate) TryAcquire() bool {
	select {
	case g.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot taken by TryAcquire.
func (g *Gate) Release() {
	<-g.slots
}

// InFlight returns the number of held slots.
func (g *Gate) InFlight() int {
	return len(g.slots)
}
