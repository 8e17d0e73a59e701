package promptinterp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyQuestion(t *testing.T) {
	line := []byte(`{"type":"prompt","subtype":"question","header":"Pick one","question":"Which approach?","options":["a","b"]}`)
	res := Classify(line)

	require.Equal(t, KindQuestion, res.Kind)
	assert.True(t, res.Blocks)
	require.NotNil(t, res.Question)
	assert.Equal(t, "Pick one", res.Question.Header)
	assert.Equal(t, []string{"a", "b"}, res.Question.Options)
}

func TestClassifyQuestionByOptionsPresenceWithoutSubtype(t *testing.T) {
	line := []byte(`{"type":"prompt","question":"Continue?","options":["yes","no"]}`)
	res := Classify(line)
	require.Equal(t, KindQuestion, res.Kind)
}

func TestClassifyPermission(t *testing.T) {
	line := []byte(`{"type":"prompt","subtype":"permission","tool":"Write","action":"edit","details":{"path":"a.go"}}`)
	res := Classify(line)

	require.Equal(t, KindPermission, res.Kind)
	assert.True(t, res.Blocks)
	require.NotNil(t, res.Permission)
	assert.Equal(t, "Write", res.Permission.Tool)
	assert.Equal(t, "edit", res.Permission.Action)
}

func TestClassifyPlanModeExit(t *testing.T) {
	line := []byte(`{"type":"prompt","subtype":"plan_mode_exit","planFile":"plans/foo.md"}`)
	res := Classify(line)

	require.Equal(t, KindPlanExit, res.Kind)
	assert.True(t, res.Blocks)
	assert.Equal(t, "plans/foo.md", res.PlanFile)
}

func TestClassifyPlanModeEnterDoesNotBlock(t *testing.T) {
	line := []byte(`{"type":"prompt","subtype":"plan_mode_enter"}`)
	res := Classify(line)

	require.Equal(t, KindPlanEnter, res.Kind)
	assert.False(t, res.Blocks)
}

func TestClassifyNonPromptReturnsNone(t *testing.T) {
	cases := [][]byte{
		[]byte(`{"type":"assistant","message":{"role":"assistant","content":[]}}`),
		[]byte(`not even json`),
		[]byte(`{"type":"tool_result","tool_use_id":"1"}`),
	}
	for _, line := range cases {
		res := Classify(line)
		assert.Equal(t, KindNone, res.Kind)
	}
}
