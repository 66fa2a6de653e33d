package session

import "fmt"

const maxNameLen = 64

// ValidateName checks a session name: 1 to 64 characters, lowercase letters,
// digits, '-' and '_'. Session names become directory names under the state
// dir, so anything the filesystem could misread is rejected.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("session name must be 1-%d characters", maxNameLen)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("invalid session name %q: use lowercase letters, digits, '-' and '_'", name)
		}
	}
	return nil
}
