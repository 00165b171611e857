package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStage(t *testing.T) {
	s, err := ParseStage(" Spec ")
	require.NoError(t, err)
	assert.Equal(t, StageSpec, s)

	_, err = ParseStage("design")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidStage))
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestStageRankFollowsPipelineOrder(t *testing.T) {
	stages := AllStages()
	require.Len(t, stages, 7)
	for i, s := range stages {
		assert.Equal(t, i, s.Rank())
	}
	assert.Equal(t, -1, Stage("bogus").Rank())
	assert.Less(t, StageIntent.Rank(), StageFeedback.Rank())
}

func TestParseArtifactRef(t *testing.T) {
	ref, err := ParseArtifactRef("feature-x:plan")
	require.NoError(t, err)
	assert.Equal(t, ArtifactRef{Session: "feature-x", Stage: StagePlan}, ref)
	assert.Equal(t, "feature-x:plan", ref.String())

	for _, bad := range []string{"", "plan", ":plan", "s1:", "s1:nope", "a::b:intent"} {
		_, err := ParseArtifactRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestArtifactID(t *testing.T) {
	assert.Equal(t, "acme::s1::intent", ArtifactID("acme", "s1", StageIntent))
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("project", "acme"))
	assert.NoError(t, ValidateName("session", "feature:x"))
	assert.ErrorIs(t, ValidateName("project", " "), ErrValidation)
	assert.ErrorIs(t, ValidateName("project", "a::b"), ErrValidation)
	assert.ErrorIs(t, ValidateName("session", "b::"), ErrValidation)
}

func TestPolicyFoundingSession(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.IsFoundingSession("blueprint"))
	assert.True(t, p.IsFoundingSession(" blueprint "))
	assert.False(t, p.IsFoundingSession("feature-x"))

	p.FoundingSession = "root"
	assert.True(t, p.IsFoundingSession("root"))
	assert.False(t, p.IsFoundingSession("blueprint"))
}

func TestPolicyClassification(t *testing.T) {
	p := DefaultPolicy()
	c, err := p.ParseClassification("Ownership_Rule")
	require.NoError(t, err)
	assert.Equal(t, ClassOwnershipRule, c)

	_, err = p.ParseClassification("opinion")
	assert.ErrorIs(t, err, ErrInvalidClassification)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.ClusterThreshold = 1.5
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.FoundingSession = ""
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.SequenceWeight, p.JaccardWeight = 0, 0
	assert.Error(t, p.Validate())
}

func TestParseClaimStatus(t *testing.T) {
	s, err := ParseClaimStatus("SUPERSEDED")
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, s)
	_, err = ParseClaimStatus("archived")
	assert.ErrorIs(t, err, ErrValidation)
}
