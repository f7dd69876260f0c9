// Package prohibition implements the capability classifier that blocks or
// tier-restricts dangerous operations before a bus dispatches to a provider.
// Classification is a case-insensitive substring match against fixed token
// sets; it never consults a provider and never retries.
package prohibition

import (
	"fmt"
	"strings"
)

// Severity is the outcome class a matched category carries.
type Severity string

const (
	// SeverityNeverAllowed categories are rejected unconditionally.
	SeverityNeverAllowed Severity = "NEVER_ALLOWED"
	// SeverityRequiresSeparateModule categories belong to separately
	// licensed systems and are always rejected here.
	SeverityRequiresSeparateModule Severity = "REQUIRES_SEPARATE_MODULE"
	// SeverityTierRestricted categories are allowed only at tier >= 4.
	SeverityTierRestricted Severity = "TIER_RESTRICTED"
)

// Category names, grouped by severity.
const (
	CategoryWeapons              = "weapons"
	CategoryMassSurveillance     = "mass_surveillance"
	CategoryCyberOffensive       = "cyber_offensive"
	CategoryElectionInterference = "election_interference"
	CategoryAutonomousDeception  = "autonomous_deception"
	CategoryHazardousMaterials   = "hazardous_materials"
	CategoryDiscrimination       = "discrimination"
	CategoryManipulationCoercion = "manipulation_coercion"
	CategoryDeceptionFraud       = "deception_fraud"
	CategoryBiometricInference   = "biometric_inference"

	CategoryMedical              = "medical"
	CategoryFinancial            = "financial"
	CategoryLegal                = "legal"
	CategoryHomeSecurity         = "home_security"
	CategoryIdentityVerification = "identity_verification"
	CategoryResearch             = "research"
	CategoryInfrastructureControl = "infrastructure_control"

	CategoryCrisisEscalation  = "crisis_escalation"
	CategoryPatternDetection  = "pattern_detection"
	CategoryProtectiveRouting = "protective_routing"
)

// MinimumTierForRestricted is the agent tier (inclusive) at which
// TIER_RESTRICTED capabilities become allowed.
const MinimumTierForRestricted = 4

type category struct {
	name     string
	severity Severity
	tokens   []string
}

// defaultCategories is the fixed classification table. Token sets are
// deliberately conservative and over-inclusive rather than permissive.
var defaultCategories = []category{
	{CategoryWeapons, SeverityNeverAllowed, []string{
		"weapon", "firearm", "explosive", "bomb", "ammunition", "ballistic",
	}},
	{CategoryMassSurveillance, SeverityNeverAllowed, []string{
		"mass_surveillance", "bulk_collection", "dragnet", "population_tracking",
	}},
	{CategoryCyberOffensive, SeverityNeverAllowed, []string{
		"exploit_development", "malware", "ransomware", "ddos", "unauthorized_access",
	}},
	{CategoryElectionInterference, SeverityNeverAllowed, []string{
		"election_interference", "voter_suppression", "ballot_manipulation",
	}},
	{CategoryAutonomousDeception, SeverityNeverAllowed, []string{
		"autonomous_deception", "impersonation", "deepfake_generation",
	}},
	{CategoryHazardousMaterials, SeverityNeverAllowed, []string{
		"hazardous_materials", "chemical_synthesis", "biological_agent", "radiological",
	}},
	{CategoryDiscrimination, SeverityNeverAllowed, []string{
		"discrimination", "racial_profiling", "protected_class_targeting",
	}},
	{CategoryManipulationCoercion, SeverityNeverAllowed, []string{
		"manipulation", "coercion", "psychological_exploitation",
	}},
	{CategoryDeceptionFraud, SeverityNeverAllowed, []string{
		"fraud", "phishing", "scam", "deceptive_practice",
	}},
	{CategoryBiometricInference, SeverityNeverAllowed, []string{
		"biometric_inference", "facial_recognition", "gait_analysis",
	}},

	{CategoryMedical, SeverityRequiresSeparateModule, medicalTokens},
	{CategoryFinancial, SeverityRequiresSeparateModule, []string{
		"financial_advice", "investment_recommendation", "tax_filing", "credit_scoring",
	}},
	{CategoryLegal, SeverityRequiresSeparateModule, []string{
		"legal_advice", "contract_drafting", "litigation_strategy",
	}},
	{CategoryHomeSecurity, SeverityRequiresSeparateModule, []string{
		"home_security", "lock_control", "alarm_system", "surveillance_camera",
	}},
	{CategoryIdentityVerification, SeverityRequiresSeparateModule, []string{
		"identity_verification", "kyc", "document_authentication",
	}},
	{CategoryResearch, SeverityRequiresSeparateModule, []string{
		"clinical_trial", "human_subjects_research", "irb",
	}},
	{CategoryInfrastructureControl, SeverityRequiresSeparateModule, []string{
		"infrastructure_control", "scada", "grid_control", "industrial_control",
	}},

	{CategoryCrisisEscalation, SeverityTierRestricted, []string{
		"crisis_escalation", "self_harm_escalation", "emergency_dispatch",
	}},
	{CategoryPatternDetection, SeverityTierRestricted, []string{
		"pattern_detection", "behavioral_pattern", "risk_pattern",
	}},
	{CategoryProtectiveRouting, SeverityTierRestricted, []string{
		"protective_routing", "safe_routing", "escalation_routing",
	}},
}

// medicalTokens is the fixed token set for the medical-domain shortcut
// enforced at the wise-authority bus. IsMedicalCapability, which WiseBus
// calls, matches against it.
var medicalTokens = []string{
	"medical", "health", "clinical", "patient", "diagnosis", "treatment",
	"prescription", "symptom", "disease", "medication", "therapy", "triage",
	"condition", "disorder",
}

// prefixes stripped before matching so namespaced capability tokens like
// "domain:medical" or "provider:medical-advisor" still classify.
var stripPrefixes = []string{"domain:", "modality:", "provider:"}

func normalize(capability string) string {
	s := strings.ToLower(capability)
	for _, p := range stripPrefixes {
		s = strings.TrimPrefix(s, p)
	}
	return s
}

// Classification is the result of classifying a capability token.
type Classification struct {
	Category string
	Severity Severity
}

// Classify returns the first matching category for capability, or
// (Classification{}, false) if nothing matches. Matching is case-insensitive
// substring search; category order in the table is the tie-break for
// capabilities that would match more than one token set.
func Classify(capability string) (Classification, bool) {
	if capability == "" {
		return Classification{}, false
	}
	normalized := normalize(capability)
	for _, cat := range defaultCategories {
		for _, token := range cat.tokens {
			if strings.Contains(normalized, token) {
				return Classification{Category: cat.name, Severity: cat.severity}, true
			}
		}
	}
	return Classification{}, false
}

// IsMedicalCapability reports whether capability matches the medical-domain
// shortcut token set, independent of the general classification table. Used
// by WiseBus to reject medical guidance requests before any provider is
// invoked, per the spec's dedicated medical shortcut.
func IsMedicalCapability(capability string) bool {
	normalized := normalize(capability)
	for _, token := range medicalTokens {
		if strings.Contains(normalized, token) {
			return true
		}
	}
	return false
}

// Validate enforces the classification against an agent's operational tier.
// Empty capabilities and capabilities with no matching category always pass.
func Validate(capability string, agentTier int) error {
	if capability == "" {
		return nil
	}
	classification, matched := Classify(capability)
	if !matched {
		return nil
	}
	if classification.Severity == SeverityNeverAllowed {
		return &ProhibitedError{Capability: capability, Category: classification.Category, Severity: classification.Severity}
	}
	if classification.Severity == SeverityRequiresSeparateModule {
		return &ProhibitedError{
			Capability: capability,
			Category:   classification.Category,
			Severity:   classification.Severity,
			Detail:     "this capability belongs to a separately licensed system and cannot run in the core fabric",
		}
	}
	if classification.Severity == SeverityTierRestricted {
		if agentTier >= MinimumTierForRestricted {
			return nil
		}
		return &ProhibitedError{
			Capability: capability,
			Category:   classification.Category,
			Severity:   classification.Severity,
			Detail:     fmt.Sprintf("requires tier >= %d, agent is tier %d", MinimumTierForRestricted, agentTier),
		}
	}
	return nil
}

// ProhibitedError is raised by Validate; callers must surface it, never
// downgrade or retry.
type ProhibitedError struct {
	Capability string
	Category   string
	Severity   Severity
	Detail     string
}

// CategoryCount returns the number of classification categories the policy
// table carries, used by WiseBus.CollectTelemetry's capability_blocks field.
func CategoryCount() int {
	return len(defaultCategories)
}

func (e *ProhibitedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("capability %q prohibited (%s/%s): %s", e.Capability, e.Category, e.Severity, e.Detail)
	}
	return fmt.Sprintf("capability %q prohibited (%s/%s)", e.Capability, e.Category, e.Severity)
}
