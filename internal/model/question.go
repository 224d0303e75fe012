package model

import (
	"github.com/google/uuid"
)

// Question is a single multiple-choice question. CorrectOption is the
// zero-based index into Options and is never sent to candidates.
type Question struct {
	ID            uuid.UUID `json:"id" yaml:"-"`
	Text          string    `json:"text" yaml:"text" binding:"required"`
	Options       []string  `json:"options" yaml:"options" binding:"min=2,dive,required"`
	CorrectOption int       `json:"correct_option" yaml:"correct_option"`
}

// PaperQuestion is a question without its answer key.
type PaperQuestion struct {
	ID      uuid.UUID `json:"id"`
	Text    string    `json:"text"`
	Options []string  `json:"options"`
}
