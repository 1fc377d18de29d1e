package flow

import "errors"

// ErrNoQuestions is returned when a workflow is configured without questions
var ErrNoQuestions = errors.New("flow: no questions configured")

// Question is one fixed prompt of the questionnaire
type Question struct {
	Index  int    `json:"index"`
	Text   string `json:"text" yaml:"text"`
	Prompt string `json:"prompt,omitempty" yaml:"prompt"` // pre-rendered WAV for calls
}

// DefaultQuestions returns the six intake questions asked before a learning session
func DefaultQuestions() []Question {
	texts := []string{
		"What's your name & Age?",
		"What's your education Level and Background?",
		"At which level are you Teaching (e.g., 7th grade, graduate program)?",
		"In which field do you want to learn?",
		"Do you have any prior understanding about the topic or field you wish to learn?",
		"Any specific topic you want to learn?",
	}
	questions := make([]Question, len(texts))
	for i, text := range texts {
		questions[i] = Question{Index: i, Text: text}
	}
	return questions
}

// Sequencer walks a fixed, ordered list of questions forward only
type Sequencer struct {
	questions []Question
	index     int
	completed bool
}

// NewSequencer copies questions and numbers them by position
func NewSequencer(questions []Question) (*Sequencer, error) {
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}
	qs := make([]Question, len(questions))
	for i, q := range questions {
		if q.Text == "" {
			return nil, errors.New("flow: question text must not be empty")
		}
		q.Index = i
		qs[i] = q
	}
	return &Sequencer{questions: qs}, nil
}

// Current returns the question at the current index
func (s *Sequencer) Current() Question { return s.questions[s.index] }

// Index returns the 0-based current index
func (s *Sequencer) Index() int { return s.index }

// Len returns the number of questions
func (s *Sequencer) Len() int { return len(s.questions) }

// Question returns the question at i
func (s *Sequencer) Question(i int) (Question, bool) {
	if i < 0 || i >= len(s.questions) {
		return Question{}, false
	}
	return s.questions[i], true
}

// Advance moves to the next question and returns true. At the last
// question it marks the sequencer completed and returns false; the index
// never moves past Len()-1.
func (s *Sequencer) Advance() bool {
	if s.index < len(s.questions)-1 {
		s.index++
		return true
	}
	s.completed = true
	return false
}

// Completed reports whether Advance was called on the last question
func (s *Sequencer) Completed() bool { return s.completed }
