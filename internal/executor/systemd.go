package executor

import (
	"fmt"
	"strings"
)

// parseUnitArg splits "<start|stop|restart> <unit>".
func parseUnitArg(arg string) (verb, unit string, err error) {
	f := strings.Fields(arg)
	if len(f) != 2 {
		return "", "", fmt.Errorf("systemd action %q: want \"<verb> <unit>\"", arg)
	}
	verb, unit = strings.ToLower(f[0]), f[1]
	switch verb {
	case "start", "stop", "restart":
	default:
		return "", "", fmt.Errorf("systemd action %q: unknown verb %q", arg, verb)
	}
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	return verb, unit, nil
}
