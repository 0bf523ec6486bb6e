package task

// Group tracks a set of tasks and everything they spawn. It is done when the last of them completes.
// Pending counts are protected by the manager lock.
type Group struct {
	Label   string
	pending int
	done    chan struct{}
}

func newGroup(label string) *Group {
	return &Group{
		Label: label,
		done:  make(chan struct{}),
	}
}

// Done is closed when the group settles.
func (g *Group) Done() <-chan struct{} {
	return g.done
}

func (g *Group) join() {
	g.pending++
}

// leave returns true when the group just settled.
func (g *Group) leave() bool {
	g.pending--
	if g.pending > 0 {
		return false
	}
	close(g.done)
	return true
}
