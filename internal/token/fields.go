package token

import (
	"errors"
	"fmt"
)

// FieldMap fixes where each logical session field is stored inside the
// token claims. It replaces free-form field aliasing with a validated,
// enumerated mapping.
type FieldMap struct {
	Subject string
	Role    string
	Name    string
}

// DefaultFieldMap matches the historical claim layout.
func DefaultFieldMap() FieldMap {
	return FieldMap{Subject: ClaimSubject, Role: "r", Name: "n"}
}

// Validate rejects maps that omit the mandatory subject mapping,
// collide with the reserved "exp"/"nbf" claims, or map two logical
// fields onto the same claim name.
func (m FieldMap) Validate() error {
	if m.Subject == "" {
		return errors.New("field map: subject mapping is required")
	}
	seen := make(map[string]string, 3)
	for logical, claim := range map[string]string{
		"subject": m.Subject,
		"role":    m.Role,
		"name":    m.Name,
	} {
		if claim == "" {
			continue
		}
		if claim == ClaimExpiry || claim == ClaimNotBefore {
			return fmt.Errorf("field map: %s maps to reserved claim %q", logical, claim)
		}
		if other, dup := seen[claim]; dup {
			return fmt.Errorf("field map: %s and %s both map to claim %q", other, logical, claim)
		}
		seen[claim] = logical
	}
	return nil
}
