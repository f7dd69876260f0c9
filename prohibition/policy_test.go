package prohibition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEmptyAndUnmatchedPass(t *testing.T) {
	assert.NoError(t, Validate("", 1))
	assert.NoError(t, Validate("summarize_text", 1))
}

func TestNeverAllowedRejectsAllTiers(t *testing.T) {
	for tier := 1; tier <= 5; tier++ {
		err := Validate("firearm_acquisition", tier)
		require.Error(t, err)
		var pe *ProhibitedError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, SeverityNeverAllowed, pe.Severity)
	}
}

func TestRequiresSeparateModuleRejects(t *testing.T) {
	err := Validate("medical_diagnosis", 5)
	require.Error(t, err)
	var pe *ProhibitedError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, SeverityRequiresSeparateModule, pe.Severity)
	assert.Equal(t, CategoryMedical, pe.Category)
}

func TestTierRestrictedGatesOnTier(t *testing.T) {
	for tier := 1; tier <= 3; tier++ {
		assert.Error(t, Validate("crisis_escalation", tier))
	}
	for tier := 4; tier <= 5; tier++ {
		assert.NoError(t, Validate("crisis_escalation", tier))
	}
}

func TestMedicalShortcutMatchesNamespacedTokens(t *testing.T) {
	assert.True(t, IsMedicalCapability("domain:medical"))
	assert.True(t, IsMedicalCapability("MODALITY:Clinical"))
	assert.True(t, IsMedicalCapability("provider:triage-bot"))
	assert.False(t, IsMedicalCapability("domain:navigation"))
}

func TestClassifyCaseInsensitiveSubstring(t *testing.T) {
	c, ok := Classify("REQUEST_Firearm_Purchase")
	require.True(t, ok)
	assert.Equal(t, CategoryWeapons, c.Category)
	assert.Equal(t, SeverityNeverAllowed, c.Severity)
}
