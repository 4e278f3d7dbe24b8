// Package cond is the conditional-assembly state machine.
package cond

import "errors"

var (
	ErrNoIf          = errors.New("no open conditional block")
	ErrElifAfterElse = errors.New(".elif after .else")
	ErrDoubleElse    = errors.New(".else already seen")
)

type state int

const (
	pending state = iota // no branch taken yet
	taken                // the current branch is assembled
	done                 // a previous branch was taken
)

type frame struct {
	state    state
	seenElse bool
	skipped  bool // opened inside an inactive region
}

type Stack struct{ frames []frame }

// Active reports whether statements at the current point are assembled
func (s *Stack) Active() bool {
	for _, f := range s.frames {
		if f.state != taken {
			return false
		}
	}
	return true
}

// Depth is the number of open blocks
func (s *Stack) Depth() int { return len(s.frames) }

// Open is true while any block is unterminated
func (s *Stack) Open() bool { return len(s.frames) > 0 }

// NeedsEval tells the caller whether the condition of the next .elif matters.
// Conditions inside inactive regions are never evaluated.
func (s *Stack) NeedsEval() bool {
	if len(s.frames) == 0 {
		return false
	}
	f := s.frames[len(s.frames)-1]
	return !f.skipped && f.state == pending && !f.seenElse
}

func (s *Stack) push(cond bool) {
	if !s.Active() {
		s.frames = append(s.frames, frame{state: done, skipped: true})
		return
	}
	if cond {
		s.frames = append(s.frames, frame{state: taken})
	} else {
		s.frames = append(s.frames, frame{state: pending})
	}
}

// PushUsed opens an .ifused/.ifnused block
func (s *Stack) PushUsed(used bool) { s.push(used) }

// PushIf opens an .if block
func (s *Stack) PushIf(cond bool) { s.push(cond) }

func (s *Stack) top() (*frame, error) {
	if len(s.frames) == 0 {
		return nil, ErrNoIf
	}
	return &s.frames[len(s.frames)-1], nil
}

func (s *Stack) Elif(cond bool) error {
	f, err := s.top()
	if err != nil {
		return err
	}
	if f.seenElse {
		return ErrElifAfterElse
	}
	if f.skipped {
		return nil
	}
	switch f.state {
	case taken:
		f.state = done
	case pending:
		if cond {
			f.state = taken
		}
	}
	return nil
}

func (s *Stack) Else() error {
	f, err := s.top()
	if err != nil {
		return err
	}
	if f.seenElse {
		return ErrDoubleElse
	}
	f.seenElse = true
	if f.skipped {
		return nil
	}
	switch f.state {
	case taken:
		f.state = done
	case pending:
		f.state = taken
	}
	return nil
}

func (s *Stack) Endif() error {
	if len(s.frames) == 0 {
		return ErrNoIf
	}
	s.frames = s.frames[:len(s.frames)-1]
	return nil
}
