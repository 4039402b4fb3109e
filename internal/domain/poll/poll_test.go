package poll

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func validDefinition() Definition {
	return Definition{
		Name: "Morning Check",
		Questions: []Question{
			{ID: "mood", Prompt: "How do you feel?", Kind: KindSelect, Select: []Option{
				{Value: "good", Label: "Good"},
				{Value: "bad", Label: "Bad"},
			}},
			{ID: "sleep_hours", Prompt: "Hours slept?", Kind: KindFloat},
		},
	}
}

func TestDefinitionValidateDerivesCommand(t *testing.T) {
	d := validDefinition()
	require.NoError(t, d.Validate())
	assert.Equal(t, "morning_check", d.Command)
}

func TestDefinitionValidateRejectsEmpty(t *testing.T) {
	d := Definition{Name: "empty"}
	err := d.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestDefinitionValidateRejectsDuplicateQuestion(t *testing.T) {
	d := validDefinition()
	d.Questions = append(d.Questions, Question{ID: "mood", Prompt: "again", Kind: KindText})
	assert.ErrorIs(t, d.Validate(), ErrInvalidDefinition)
}

func TestDefinitionValidateRejectsForwardDependency(t *testing.T) {
	d := validDefinition()
	d.Questions[0].DependsOn = "sleep_hours > 4"
	d.Questions[0].Optional = true
	err := d.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sleep_hours")
}

func TestDefinitionValidateSkippableNeedsDefaultOrOptional(t *testing.T) {
	d := validDefinition()
	d.Questions[1].DependsOn = `mood == "bad"`
	assert.ErrorIs(t, d.Validate(), ErrInvalidDefinition)

	d.Questions[1].Optional = true
	assert.NoError(t, d.Validate())

	d.Questions[1].Optional = false
	d.Questions[1].Default = strPtr("8")
	assert.NoError(t, d.Validate())
}

func TestDefinitionValidateStaticDefaultChecked(t *testing.T) {
	d := validDefinition()
	d.Questions[1].DependsOn = `mood == "bad"`
	d.Questions[1].Default = strPtr("not a number")
	assert.ErrorIs(t, d.Validate(), ErrInvalidDefinition)
}

func TestDefinitionValidateHoursOverMidnight(t *testing.T) {
	d := validDefinition()
	d.HoursOverMidnight = 4
	assert.ErrorIs(t, d.Validate(), ErrInvalidDefinition, "repeatable poll must not set the window")

	d.OncePerDay = true
	assert.NoError(t, d.Validate())

	d.HoursOverMidnight = 9
	assert.ErrorIs(t, d.Validate(), ErrInvalidDefinition)
}

func TestDefinitionValidateReminderTime(t *testing.T) {
	d := validDefinition()
	d.ReminderTime = "21:30"
	require.NoError(t, d.Validate())

	d = validDefinition()
	d.ReminderTime = "9pm"
	assert.ErrorIs(t, d.Validate(), ErrInvalidDefinition)
}

func TestDefinitionValidateBadPredicate(t *testing.T) {
	d := validDefinition()
	d.Questions[1].Optional = true
	d.Questions[1].DependsOn = `mood == `
	assert.ErrorIs(t, d.Validate(), ErrInvalidDefinition)
}

func TestCloneIsDeep(t *testing.T) {
	d := validDefinition()
	require.NoError(t, d.Validate())
	cp := d.Clone()

	cp.Questions[0].Select[0].Label = "changed"
	cp.Questions[1].Default = strPtr("7")

	assert.Equal(t, "Good", d.Questions[0].Select[0].Label)
	assert.Nil(t, d.Questions[1].Default)
}

func TestEvaluatePredicate(t *testing.T) {
	ok, err := EvaluatePredicate("", nil)
	require.NoError(t, err)
	assert.True(t, ok, "empty predicate is always satisfied")

	ok, err = EvaluatePredicate(`mood == "bad"`, map[string]interface{}{"mood": "bad"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluatePredicate("sleep_hours > 4", map[string]interface{}{"sleep_hours": 3.0})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = EvaluatePredicate("sleep_hours + 1", map[string]interface{}{"sleep_hours": 3.0})
	assert.Error(t, err, "non-boolean result is an authoring error")
}

func TestAutoFills(t *testing.T) {
	q := Question{ID: "at", Kind: KindTimestamp, Default: strPtr("auto")}
	assert.True(t, q.AutoFills())

	q = Question{ID: "at", Kind: KindTimestamp, Default: strPtr("2024-01-01 10:00")}
	assert.False(t, q.AutoFills())

	q = Question{ID: "n", Kind: KindInt, Default: strPtr("auto")}
	assert.False(t, q.AutoFills(), "auto only applies to time kinds")
}
