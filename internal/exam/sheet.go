package exam

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfRange is returned for unknown question or option indexes.
var ErrOutOfRange = errors.New("exam: index out of range")

// Result is the outcome of one question.
type Result struct {
	Index    int    `json:"index"`
	Prompt   string `json:"prompt"`
	Chosen   string `json:"chosen,omitempty"`
	Correct  string `json:"correct"`
	Answered bool   `json:"answered"`
	Right    bool   `json:"right"`
}

// Sheet records the taker's chosen options and the question being viewed.
type Sheet struct {
	bank *Bank

	mu      sync.Mutex
	answers map[int]int
	current int
}

// NewSheet returns an empty sheet positioned on the first question.
func NewSheet(bank *Bank) *Sheet {
	return &Sheet{bank: bank, answers: make(map[int]int)}
}

// Bank returns the questions the sheet answers.
func (s *Sheet) Bank() *Bank {
	return s.bank
}

// Select records option for question, replacing any earlier choice.
func (s *Sheet) Select(question, option int) error {
	if question < 0 || question >= s.bank.Len() {
		return fmt.Errorf("%w: question %d", ErrOutOfRange, question)
	}
	if option < 0 || option >= len(s.bank.Questions[question].Options) {
		return fmt.Errorf("%w: option %d of question %d", ErrOutOfRange, option, question)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[question] = option
	return nil
}

// Answer returns the chosen option for question.
func (s *Sheet) Answer(question int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opt, ok := s.answers[question]
	return opt, ok
}

// Answered returns how many questions have a chosen option.
func (s *Sheet) Answered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.answers)
}

// Current returns the index of the question being viewed.
func (s *Sheet) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Next moves to the following question. On the last question it stays put
// and reports true, meaning the taker asked to submit.
func (s *Sheet) Next() (submit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current >= s.bank.Len()-1 {
		return true
	}
	s.current++
	return false
}

// Prev moves to the previous question, if any.
func (s *Sheet) Prev() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current > 0 {
		s.current--
	}
}

// Score returns the number of correctly answered questions.
func (s *Sheet) Score() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	score := 0
	for i, q := range s.bank.Questions {
		if opt, ok := s.answers[i]; ok && opt == q.Correct {
			score++
		}
	}
	return score
}

// Total returns the number of questions.
func (s *Sheet) Total() int {
	return s.bank.Len()
}

// Breakdown returns one Result per question in bank order.
func (s *Sheet) Breakdown() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Result, 0, s.bank.Len())
	for i, q := range s.bank.Questions {
		r := Result{Index: i, Prompt: q.Prompt, Correct: q.Options[q.Correct]}
		if opt, ok := s.answers[i]; ok {
			r.Answered = true
			r.Chosen = q.Options[opt]
			r.Right = opt == q.Correct
		}
		out = append(out, r)
	}
	return out
}
