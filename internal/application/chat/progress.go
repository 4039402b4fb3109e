package chat

import (
	"github.com/diary-hub/diary-hub/internal/domain/poll"
	"github.com/diary-hub/diary-hub/internal/domain/workflow"
)

// Progress is the transport-facing snapshot of a workflow after an
// operation: where the run stands and, while it is still open, which
// question to present next.
type Progress struct {
	RunID    string         `json:"runId"`
	PollID   string         `json:"pollId"`
	State    workflow.State `json:"state"`
	Editing  bool           `json:"editing,omitempty"`
	Question *QuestionView  `json:"question,omitempty"`
	Answers  []AnswerView   `json:"answers,omitempty"`
}

// QuestionView describes the pending question.
type QuestionView struct {
	ID        string        `json:"id"`
	Prompt    string        `json:"prompt"`
	Kind      poll.Kind     `json:"kind"`
	Options   []poll.Option `json:"options,omitempty"`
	ValueHint string        `json:"valueHint,omitempty"`
	Optional  bool          `json:"optional,omitempty"`
}

// AnswerView echoes a recorded answer, shown on the confirmation step.
type AnswerView struct {
	QuestionID string `json:"questionId"`
	Value      string `json:"value"`
	Label      string `json:"label,omitempty"`
}

func snapshot(wf *workflow.Workflow) *Progress {
	pr := &Progress{
		RunID:   wf.RunID.String(),
		PollID:  wf.Definition().Command,
		State:   wf.State(),
		Editing: wf.Editing(),
	}
	if q, err := wf.CurrentQuestion(); err == nil {
		pr.Question = &QuestionView{
			ID:        q.ID,
			Prompt:    q.Prompt,
			Kind:      q.Kind,
			Options:   q.Select,
			ValueHint: q.ValueHint,
			Optional:  q.Optional,
		}
	}
	if wf.State() == workflow.StateAwaitingConfirmation {
		for _, a := range wf.Answers() {
			pr.Answers = append(pr.Answers, AnswerView{
				QuestionID: a.QuestionID,
				Value:      a.Value.Serialize(),
				Label:      a.Value.Label,
			})
		}
	}
	return pr
}
