package model

import "testing"

func TestRuleForCoversAllPathologies(t *testing.T) {
	for _, p := range PathologyTypes {
		rule, ok := ruleFor(p)
		if !ok {
			t.Errorf("pathology %q has no validation rule", p)
			continue
		}
		if rule.maxDeviation <= 0 {
			t.Errorf("pathology %q has non-positive max deviation %g", p, rule.maxDeviation)
		}
	}
	if _, ok := ruleFor("unknown"); ok {
		t.Error("unknown pathology should have no rule")
	}
}

func TestRoleAtLeast(t *testing.T) {
	if !RoleAtLeast(RoleAdmin, RoleSensor) {
		t.Error("admin should satisfy sensor")
	}
	if RoleAtLeast(RoleViewer, RoleSensor) {
		t.Error("viewer should not satisfy sensor")
	}
	if Role("root").Valid() {
		t.Error("unknown role should be invalid")
	}
}
