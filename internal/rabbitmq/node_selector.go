package rabbitmq

// nodeSelector picks the next broker node after a failure.
//
// Selection is round-robin from the current node, skipping any node abandoned
// within the last size-1 switches. Once every node has been tried in the
// current round the history starts over.
type nodeSelector struct {
	size    int
	current int
	history []int
	tried   map[int]bool
}

func newNodeSelector(size int) *nodeSelector {
	return &nodeSelector{
		size:  size,
		tried: map[int]bool{0: true},
	}
}

// Current returns the index of the selected node
func (s *nodeSelector) Current() int {
	return s.current
}

// Next abandons the current node and returns the next candidate.
func (s *nodeSelector) Next() int {
	if s.size <= 1 {
		return 0
	}

	s.remember(s.current)
	if len(s.tried) >= s.size {
		s.history = s.history[:0]
		s.tried = map[int]bool{}
		s.remember(s.current)
	}

	next := (s.current + 1) % s.size
	for step := 1; step <= s.size; step++ {
		candidate := (s.current + step) % s.size
		if !s.recent(candidate) {
			next = candidate
			break
		}
	}

	s.current = next
	s.tried[next] = true
	return next
}

func (s *nodeSelector) remember(idx int) {
	s.history = append(s.history, idx)
	if window := s.size - 1; len(s.history) > window {
		s.history = s.history[len(s.history)-window:]
	}
}

func (s *nodeSelector) recent(idx int) bool {
	for _, h := range s.history {
		if h == idx {
			return true
		}
	}
	return false
}
