// Package exam holds the question bank and the taker's answer sheet.
//
// Scoring is a lookup: a question counts towards the score only when the
// chosen option equals its correct option. Unanswered questions count
// towards the total but never the score.
package exam

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidBank is wrapped by bank validation errors.
var ErrInvalidBank = errors.New("exam: invalid question bank")

// Question is one multiple-choice question.
type Question struct {
	Prompt  string   `json:"prompt" yaml:"prompt"`
	Options []string `json:"options" yaml:"options"`
	Correct int      `json:"correct" yaml:"correct"`
}

// Bank is an ordered set of questions.
type Bank struct {
	Title     string     `json:"title,omitempty" yaml:"title,omitempty"`
	Questions []Question `json:"questions" yaml:"questions"`
}

// Len returns the number of questions.
func (b *Bank) Len() int {
	return len(b.Questions)
}

// Validate checks that every question has options and a correct index
// inside them.
func (b *Bank) Validate() error {
	if len(b.Questions) == 0 {
		return fmt.Errorf("%w: no questions", ErrInvalidBank)
	}
	for i, q := range b.Questions {
		if strings.TrimSpace(q.Prompt) == "" {
			return fmt.Errorf("%w: question %d has no prompt", ErrInvalidBank, i+1)
		}
		if len(q.Options) < 2 {
			return fmt.Errorf("%w: question %d needs at least two options", ErrInvalidBank, i+1)
		}
		if q.Correct < 0 || q.Correct >= len(q.Options) {
			return fmt.Errorf("%w: question %d correct option %d out of range", ErrInvalidBank, i+1, q.Correct)
		}
	}
	return nil
}

// LoadBank reads a bank from a .yaml, .yml or .json file.
func LoadBank(path string) (*Bank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read question bank: %w", err)
	}

	var b Bank
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &b)
	case ".json":
		err = json.Unmarshal(data, &b)
	default:
		return nil, fmt.Errorf("unsupported question bank format: %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse question bank: %w", err)
	}

	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Builtin returns the default ten-question AI fundamentals bank.
func Builtin() *Bank {
	return &Bank{
		Title: "AI Fundamentals",
		Questions: []Question{
			{"What is Artificial Intelligence?", []string{"DBMS", "Making machines intelligent", "OS", "Compiler"}, 1},
			{"Machine Learning is a subset of?", []string{"AI", "CN", "OS", "DBMS"}, 0},
			{"Supervised learning uses?", []string{"Unlabeled data", "Random data", "Labeled data", "No data"}, 2},
			{"Which language is popular for AI?", []string{"HTML", "CSS", "Python", "SQL"}, 2},
			{"Neural Networks are inspired by?", []string{"CPU", "Human Brain", "RAM", "Hard Disk"}, 1},
			{"Which is NOT AI application?", []string{"Chatbot", "Face recognition", "Calculator", "Self-driving car"}, 2},
			{"Deep Learning uses?", []string{"No layers", "Single layer", "Multiple layers", "Files"}, 2},
			{"Which algorithm is classification?", []string{"KNN", "Apriori", "K-Means", "PCA"}, 0},
			{"Which is unsupervised learning?", []string{"Linear regression", "Decision tree", "K-Means", "Logistic regression"}, 2},
			{"Main goal of AI is?", []string{"Store data", "Mimic human intelligence", "Compile code", "Print output"}, 1},
		},
	}
}
