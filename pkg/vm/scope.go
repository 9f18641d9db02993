package vm

import (
	"github.com/project-ai/tarl/internal/types"
)

// frame is one shield scope: a variable table bounding declaration
// visibility. Frames nest; name resolution walks innermost to outermost.
type frame struct {
	id   uint64
	vars map[string]types.Handle
}

// scopeStack manages the nested shield scopes of one execution. The root
// frame exists for the whole run; enter/exit manage the frames above it.
type scopeStack struct {
	frames []*frame
	nextID uint64
}

func newScopeStack() *scopeStack {
	s := &scopeStack{}
	s.push() // root scope
	return s
}

// push opens a new innermost frame and returns its scope id.
func (s *scopeStack) push() uint64 {
	s.nextID++
	s.frames = append(s.frames, &frame{
		id:   s.nextID,
		vars: make(map[string]types.Handle),
	})
	return s.nextID
}

// pop closes the innermost frame and returns its scope id. The root frame
// cannot be popped.
func (s *scopeStack) pop() (uint64, bool) {
	if len(s.frames) <= 1 {
		return 0, false
	}
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return f.id, true
}

// current returns the innermost frame.
func (s *scopeStack) current() *frame {
	return s.frames[len(s.frames)-1]
}

// resolve finds the handle for a name, walking innermost to outermost.
func (s *scopeStack) resolve(name string) (types.Handle, bool) {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if h, ok := s.frames[i].vars[name]; ok {
			return h, true
		}
	}
	return types.Handle{}, false
}

// declaredHere reports whether the name exists in the innermost frame.
func (s *scopeStack) declaredHere(name string) bool {
	_, ok := s.current().vars[name]
	return ok
}

// bind records a name in the innermost frame.
func (s *scopeStack) bind(name string, h types.Handle) {
	s.current().vars[name] = h
}

// openIDs returns the ids of every open frame, root first.
func (s *scopeStack) openIDs() []uint64 {
	ids := make([]uint64, len(s.frames))
	for i, f := range s.frames {
		ids[i] = f.id
	}
	return ids
}
