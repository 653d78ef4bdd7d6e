package config

import (
	"codecrew/internal/types"
)

// Environment is the active model tier.
type Environment string

const (
	EnvDev  Environment = "dev"
	EnvTest Environment = "test"
	EnvProd Environment = "prod"
)

// Known reports whether the environment names a tier.
func (e Environment) Known() bool {
	switch e {
	case EnvDev, EnvTest, EnvProd:
		return true
	}
	return false
}

// OpenRouter model ids used by the tier tables.
const (
	modelDeepseekV3   = "deepseek/deepseek-chat-v3-0324"
	modelDevstral     = "mistralai/devstral-2-2507"
	modelDeepseekR1   = "deepseek/deepseek-r1-0528"
	modelGeminiFlash  = "google/gemini-3.0-flash"
	modelMinimaxM2    = "minimax/minimax-m2-1"
	modelClaudeSonnet = "anthropic/claude-sonnet-4"
	modelGPT52        = "openai/gpt-5.2"
	modelGPT53Codex   = "openai/codex-gpt-5.3"
)

// envModels maps each tier to its role model table. Dev favors cheap
// models, test mixes in reasoning models, prod uses the strongest.
var envModels = map[Environment]map[types.Role]string{
	EnvDev: {
		types.RoleCoordinator:         modelDeepseekV3,
		types.RoleRequirementsAnalyst: modelDeepseekV3,
		types.RoleArchitect:           modelDeepseekV3,
		types.RoleBackendDev:          modelDevstral,
		types.RoleFrontendDev:         modelDevstral,
		types.RoleDevopsEngineer:      modelDevstral,
		types.RoleQAEngineer:          modelDeepseekV3,
		types.RoleCodeReviewer:        modelDeepseekV3,
	},
	EnvTest: {
		types.RoleCoordinator:         modelGeminiFlash,
		types.RoleRequirementsAnalyst: modelGeminiFlash,
		types.RoleArchitect:           modelDeepseekR1,
		types.RoleBackendDev:          modelMinimaxM2,
		types.RoleFrontendDev:         modelMinimaxM2,
		types.RoleDevopsEngineer:      modelDevstral,
		types.RoleQAEngineer:          modelDeepseekR1,
		types.RoleCodeReviewer:        modelDeepseekR1,
	},
	EnvProd: {
		types.RoleCoordinator:         modelClaudeSonnet,
		types.RoleRequirementsAnalyst: modelGPT52,
		types.RoleArchitect:           modelClaudeSonnet,
		types.RoleBackendDev:          modelGPT53Codex,
		types.RoleFrontendDev:         modelClaudeSonnet,
		types.RoleDevopsEngineer:      modelGPT53Codex,
		types.RoleQAEngineer:          modelClaudeSonnet,
		types.RoleCodeReviewer:        modelClaudeSonnet,
	},
}

// ModelFor resolves the model for a role: explicit RoleModels override
// first, then the tier table, then the tier's coordinator model as the
// fallback for unknown roles.
func (o *Options) ModelFor(role types.Role) string {
	if m, ok := o.RoleModels[string(role)]; ok && m != "" {
		return m
	}
	table := envModels[o.Environment]
	if table == nil {
		table = envModels[EnvDev]
	}
	if m, ok := table[role]; ok {
		return m
	}
	return table[types.RoleCoordinator]
}
