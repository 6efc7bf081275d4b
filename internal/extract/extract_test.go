package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var planKeys = Options{SignalKeys: []string{"goal_title", "vision_title", "title"}, RejectKeys: []string{"action"}, Element: "goal plan"}

func TestLabeledFenceWinsOverOtherCandidates(t *testing.T) {
	text := "Here you go:\n```\n{\"title\":\"plain fence\"}\n```\nand\n```JSON\n{\"title\":\"labeled\"}\n```\n{\"title\":\"bare\"}"
	res, err := Extract(text, planKeys)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, SourceLabeledFence, res.Source)
	assert.Equal(t, "labeled", res.Object["title"])
}

func TestUnlabeledFenceUsedWhenNoLabeledBlock(t *testing.T) {
	text := "Plan:\n```\n  {\"goal_title\":\"Read more\"}  \n```\n"
	res, err := Extract(text, planKeys)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, SourceFence, res.Source)
	assert.Equal(t, "Read more", res.Object["goal_title"])
}

func TestFenceWithNonObjectBodyIsIgnored(t *testing.T) {
	text := "```go\nfunc main() {}\n```\nno plan yet"
	res, err := Extract(text, planKeys)
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestAnchoredScanFindsEnclosingObject(t *testing.T) {
	text := `Great! I drafted this: {"meta":{"v":1},"vision_title":"Run 5k","phases":[{"days":7}]} - ready?`
	res, err := Extract(text, planKeys)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, SourceAnchor, res.Source)
	assert.Equal(t, "vision_title", res.Key)
	assert.Equal(t, "Run 5k", res.Object["vision_title"])
}

func TestAnchoredScanSkipsBracesInsideStrings(t *testing.T) {
	text := `prefix {"goal_title":"use } and { freely","phases":[]} suffix`
	res, err := Extract(text, planKeys)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "use } and { freely", res.Object["goal_title"])
}

func TestSignalKeysTriedInOrder(t *testing.T) {
	text := `{"title":"second"} then {"goal_title":"first"}`
	res, err := Extract(text, planKeys)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "goal_title", res.Key)
	assert.Equal(t, "first", res.Object["goal_title"])
}

func TestNoiseTolerance(t *testing.T) {
	text := "Your plan:\n```json\n\ufeff{\"goal_title\": \"Learn guitar\",\u200b \"phases\": [{\"days\": 3,},],}\n```"
	res, err := Extract(text, planKeys)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "Learn guitar", res.Object["goal_title"])
	phases, ok := res.Object["phases"].([]any)
	require.True(t, ok)
	assert.Len(t, phases, 1)
}

func TestRequireSignalFiltersOtherShapes(t *testing.T) {
	text := "```json\n{\"goal_title\":\"x\"}\n```\nalso {\"action\":\"reset_goal\"}"
	res, err := Extract(text, Options{SignalKeys: []string{"action"}, RequireSignal: true})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "reset_goal", res.Object["action"])
}

func TestRejectKeysSkipActionPayloadForPlans(t *testing.T) {
	res, err := Extract("```json\n{\"action\":\"reset_goal\"}\n```", planKeys)
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestNotFoundForPlainProse(t *testing.T) {
	res, err := Extract("What would you like to achieve in the next month?", planKeys)
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestFailureWhenCandidatesDoNotParse(t *testing.T) {
	_, err := Extract("```json\n{\"goal_title\": \"broken\" \"phases\": }\n```", planKeys)
	var ef *ExtractionFailure
	require.ErrorAs(t, err, &ef)
	assert.Equal(t, "goal plan", ef.Element)
	assert.Contains(t, err.Error(), "goal plan")
}

func TestFailureForUnclosedAnchoredObject(t *testing.T) {
	_, err := Extract(`sure: {"goal_title":"half written", "phases": [`, planKeys)
	var ef *ExtractionFailure
	require.ErrorAs(t, err, &ef)
}

func TestClean(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1,}\n```": `{"a":1}`,
		"noise {\"a\":[1,2,]} tail": `{"a":[1,2]}`,
		"\u2060{\"a\":\"b\"}\u200d":  `{"a":"b"}`,
	}
	for in, want := range cases {
		assert.Equal(t, want, Clean(in), "input %q", in)
	}
}

func TestRequireSignalIgnoresUnrelatedBrokenBlocks(t *testing.T) {
	res, err := Extract("```json\n{\"goal_title\": \"broken\" \"phases\": }\n```", Options{SignalKeys: []string{"action"}, RequireSignal: true})
	require.NoError(t, err)
	assert.False(t, res.Found)
}
