package deploy

import (
	"fmt"

	"cyber-agent-runner/internal/config"
)

// Mode selects which subset of services should be running to support an
// execution.
type Mode int

const (
	ModeNativeOnly Mode = iota
	ModeSingleService
	ModeFullStack
)

func (m Mode) String() string {
	switch m {
	case ModeNativeOnly:
		return "native-only"
	case ModeSingleService:
		return "single-service"
	case ModeFullStack:
		return "full-stack"
	default:
		return "unknown"
	}
}

// ParseMode converts a CLI/config string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "native-only", "native":
		return ModeNativeOnly, nil
	case "single-service", "single":
		return ModeSingleService, nil
	case "full-stack", "stack":
		return ModeFullStack, nil
	default:
		return 0, fmt.Errorf("unknown deployment mode %q", s)
	}
}

// ModeConfig describes one deployment mode. Static, one per mode.
//
// Service matching against running containers is by containment in either
// direction, which is what unlabeled engine output supports. A service
// name that is a substring of another service's name will match both;
// configured service tokens must not overlap.
type ModeConfig struct {
	Mode        Mode
	Services    []string
	ComposeFile string
	Description string
}

func modeTable(cfg *config.Config) map[Mode]ModeConfig {
	return map[Mode]ModeConfig{
		ModeNativeOnly: {
			Mode:        ModeNativeOnly,
			Services:    nil,
			Description: "agent runs as a native process, no services",
		},
		ModeSingleService: {
			Mode:        ModeSingleService,
			Services:    cfg.Deployment.SingleService,
			ComposeFile: cfg.Deployment.ComposeFile,
			Description: "agent container only",
		},
		ModeFullStack: {
			Mode:        ModeFullStack,
			Services:    cfg.Deployment.StackServices,
			ComposeFile: cfg.Deployment.ComposeFile,
			Description: "agent plus observability stack",
		},
	}
}
