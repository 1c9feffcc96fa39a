package registry

// DefaultProviders returns the built-in agent provider configurations
func DefaultProviders() []*ProviderConfig {
	return []*ProviderConfig{
		{
			ID:          "claude-code",
			Name:        "Claude Code",
			Description: "Anthropic Claude Code CLI running in headless mode. Requires ANTHROPIC_API_KEY.",
			Image:       "crewdock/claude-code",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			RequiredEnv: []string{"ANTHROPIC_API_KEY"},
			Mounts: []MountTemplate{
				{Source: "{workspace}", Target: "/workspace", ReadOnly: false},
			},
			ResourceLimits: ResourceLimits{
				MemoryMB:       4096,
				CPUCores:       2.0,
				TimeoutSeconds: 3600,
			},
			Enabled: true,
			Default: true,
		},
		{
			ID:          "codex",
			Name:        "OpenAI Codex CLI",
			Description: "OpenAI Codex CLI agent. Requires OPENAI_API_KEY.",
			Image:       "crewdock/codex",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			RequiredEnv: []string{"OPENAI_API_KEY"},
			Mounts: []MountTemplate{
				{Source: "{workspace}", Target: "/workspace", ReadOnly: false},
			},
			ResourceLimits: ResourceLimits{
				MemoryMB:       4096,
				CPUCores:       2.0,
				TimeoutSeconds: 3600,
			},
			Enabled: true,
		},
		{
			ID:          "aider",
			Name:        "Aider",
			Description: "Aider pair-programming CLI. Model credentials supplied via environment.",
			Image:       "crewdock/aider",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			Mounts: []MountTemplate{
				{Source: "{workspace}", Target: "/workspace", ReadOnly: false},
			},
			ResourceLimits: ResourceLimits{
				MemoryMB:       2048,
				CPUCores:       1.0,
				TimeoutSeconds: 3600,
			},
			Enabled: true,
		},
	}
}
