package auth

import "testing"

func TestNonMainSourceRestrictedToOwnFolder(t *testing.T) {
	p := NewPolicy("main")

	source := "other"
	for _, target := range []string{"a", "b", "main", "yet-another"} {
		if target == source {
			continue
		}
		if p.CanSendMessage(source, target) {
			t.Errorf("CanSendMessage(%q,%q) = true, want false", source, target)
		}
		if p.CanScheduleTask(source, target) {
			t.Errorf("CanScheduleTask(%q,%q) = true, want false", source, target)
		}
		if p.CanManageTask(source, target) {
			t.Errorf("CanManageTask(%q,%q) = true, want false", source, target)
		}
		if p.CanManageSession(source, target) {
			t.Errorf("CanManageSession(%q,%q) = true, want false", source, target)
		}
	}

	if p.CanRegisterGroup(source) {
		t.Error("non-main source must not register groups")
	}
	if p.CanRefreshGroups(source) {
		t.Error("non-main source must not refresh groups")
	}
}

func TestNonMainSourceCanActOnOwnFolder(t *testing.T) {
	p := NewPolicy("main")
	if !p.CanSendMessage("other", "other") {
		t.Error("source should be able to act on its own folder")
	}
	if !p.CanScheduleTask("other", "other") {
		t.Error("source should be able to schedule on its own folder")
	}
}

func TestMainCanActOnAnyTarget(t *testing.T) {
	p := NewPolicy("main")
	for _, target := range []string{"main", "other", "third"} {
		if !p.CanSendMessage("main", target) {
			t.Errorf("main should be able to send to %q", target)
		}
		if !p.CanScheduleTask("main", target) {
			t.Errorf("main should be able to schedule for %q", target)
		}
	}
	if !p.CanRegisterGroup("main") {
		t.Error("main should be able to register groups")
	}
	if !p.CanRefreshGroups("main") {
		t.Error("main should be able to refresh groups")
	}
}
