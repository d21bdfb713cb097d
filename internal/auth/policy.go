// Package auth implements the pure authorization predicates that gate
// every IPC command by (source group, main-ness, target folder).
package auth

import "github.com/kaelstrand/g2host/internal/store"

// Policy evaluates authorization for IPC commands. It holds no state
// beyond what's needed to decide "is this source the main group" — all
// methods are pure functions of their arguments.
type Policy struct {
	mainFolder string
}

// NewPolicy returns a Policy treating mainFolder as the distinguished main
// group folder (normally store.MainGroupFolder).
func NewPolicy(mainFolder string) *Policy {
	if mainFolder == "" {
		mainFolder = store.MainGroupFolder
	}
	return &Policy{mainFolder: mainFolder}
}

func (p *Policy) isMain(sourceGroup string) bool {
	return sourceGroup == p.mainFolder
}

// CanSendMessage reports whether sourceGroup may direct an outbound
// message to targetFolder via the IPC messages/ path.
func (p *Policy) CanSendMessage(sourceGroup, targetFolder string) bool {
	return p.isMain(sourceGroup) || sourceGroup == targetFolder
}

// CanScheduleTask reports whether sourceGroup may create a scheduled task
// targeting targetFolder.
func (p *Policy) CanScheduleTask(sourceGroup, targetFolder string) bool {
	return p.isMain(sourceGroup) || sourceGroup == targetFolder
}

// CanManageTask reports whether sourceGroup may pause/resume/cancel a task
// owned by taskFolder.
func (p *Policy) CanManageTask(sourceGroup, taskFolder string) bool {
	return p.isMain(sourceGroup) || sourceGroup == taskFolder
}

// CanManageSession reports whether sourceGroup may clear/resume/archive a
// session belonging to sessionFolder.
func (p *Policy) CanManageSession(sourceGroup, sessionFolder string) bool {
	return p.isMain(sourceGroup) || sourceGroup == sessionFolder
}

// CanRegisterGroup reports whether sourceGroup may register a new group.
// Only the main group may.
func (p *Policy) CanRegisterGroup(sourceGroup string) bool {
	return p.isMain(sourceGroup)
}

// CanRefreshGroups reports whether sourceGroup may force a metadata
// resync across all adapters. Only the main group may.
func (p *Policy) CanRefreshGroups(sourceGroup string) bool {
	return p.isMain(sourceGroup)
}
