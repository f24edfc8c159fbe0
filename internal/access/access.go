// Package access computes which conversations a project member may see.
// Unlike a fixed role lattice, roles here are whatever the project declares;
// visibility is a plain set intersection and must be re-evaluated on every
// request so role reassignment takes effect immediately.
package access

import "huddle/api/internal/store"

// CanSee reports whether a member holding role may read/write conversation c.
// An empty restriction set means the conversation is open to every member.
func CanSee(role string, c store.Conversation) bool {
	if len(c.RestrictedToRoles) == 0 {
		return true
	}
	for _, r := range c.RestrictedToRoles {
		if r == role {
			return true
		}
	}
	return false
}

// VisibleConversations filters a project's conversations down to those the
// given identity may see. A non-member sees nothing.
func VisibleConversations(project store.Project, conversations []store.Conversation, userID string) []store.Conversation {
	member, ok := findMember(project, userID)
	if !ok {
		return nil
	}
	var visible []store.Conversation
	for _, c := range conversations {
		if CanSee(member.Role, c) {
			visible = append(visible, c)
		}
	}
	return visible
}

// ValidRole reports whether role is in the project's declared role set.
func ValidRole(project store.Project, role string) bool {
	for _, r := range project.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func findMember(project store.Project, userID string) (store.Member, bool) {
	for _, m := range project.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return store.Member{}, false
}
