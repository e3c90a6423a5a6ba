package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestList(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []ID{CommitMessage, ReviewBody, ReviewTitle}, List())
}

func TestReview_Title(t *testing.T) {
	t.Parallel()

	title, _, err := Review(ReviewData{SpecID: "auth", Wave: 2, TotalWaves: 3})
	require.NoError(t, err)
	assert.Equal(t, "tide: auth wave 2", title)

	title, _, err = Review(ReviewData{SpecID: "auth", TotalWaves: 3})
	require.NoError(t, err)
	assert.Equal(t, "tide: auth", title)
}

func TestReview_Body(t *testing.T) {
	t.Parallel()

	_, body, err := Review(ReviewData{
		SpecID:     "auth",
		Wave:       1,
		TotalWaves: 2,
		Tasks: []ReviewTask{
			{ID: "T1", Description: "add login", Done: true},
			{ID: "T2", Description: "add logout"},
		},
		Verified:   []string{"file:login.go"},
		Unverified: []string{"file:logout.go (missing)"},
		Feedback:   []string{"rename the\n  handler"},
	})
	require.NoError(t, err)

	assert.Contains(t, body, "Wave 1 of 2 for spec `auth`.")
	assert.Contains(t, body, "- [x] **T1** add login")
	assert.Contains(t, body, "- [ ] **T2** add logout")
	assert.Contains(t, body, "### Verified artifacts\n- `file:login.go`")
	assert.Contains(t, body, "### Unverified claims\n- file:logout.go (missing)")
	assert.Contains(t, body, "- rename the handler")
}

func TestReview_BodyOmitsEmptySections(t *testing.T) {
	t.Parallel()

	_, body, err := Review(ReviewData{SpecID: "auth", TotalWaves: 2, Tasks: []ReviewTask{{ID: "T1", Done: true}}})
	require.NoError(t, err)

	assert.Contains(t, body, "All 2 waves of spec `auth`.")
	assert.NotContains(t, body, "Verified artifacts")
	assert.NotContains(t, body, "Unverified claims")
	assert.NotContains(t, body, "feedback")
}

func TestCommit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, id, desc, want string
	}{
		{name: "with description", id: "T1.1", desc: "write the parser", want: "T1.1: write the parser"},
		{name: "trims description", id: "T1.2", desc: "  tidy up \n", want: "T1.2: tidy up"},
		{name: "no description", id: "T1.3", desc: " ", want: "T1.3"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Commit(tc.id, tc.desc))
		})
	}
}

func TestRender_Errors(t *testing.T) {
	t.Parallel()

	_, err := Render("review/missing", ReviewData{})
	require.ErrorIs(t, err, ErrTemplateNotFound)

	_, err = Render(ReviewTitle, CommitData{})
	require.ErrorIs(t, err, ErrInvalidData)

	assert.Panics(t, func() { MustRender(CommitMessage, ReviewData{}) })
}
