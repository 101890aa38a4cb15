package session

import "fmt"

const maxNameLen = 64

// ValidateName rejects session names that could not safely double as
// directory names under the base dir: only lowercase letters, digits, '-'
// and '_' are allowed, up to 64 characters.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is empty")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("session name %q is longer than %d characters", name, maxNameLen)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("session name %q contains %q; use lowercase letters, digits, '-' or '_'", name, r)
		}
	}
	return nil
}
