package domain

import "strings"

// MemberRole роль участника в сообществе.
type MemberRole string

const (
	RoleMember    MemberRole = "member"
	RoleCoach     MemberRole = "coach"
	RoleVolunteer MemberRole = "volunteer"
)

var roleMarkers = []struct {
	role    MemberRole
	markers []string
}{
	{role: RoleCoach, markers: []string{"教练", "coach", "导师", "主理人"}},
	{role: RoleVolunteer, markers: []string{"志愿者", "volunteer", "助教", "班委"}},
}

// RoleFromDecoration определяет роль по украшениям ника.
func RoleFromDecoration(decoration string) MemberRole {
	lowered := strings.ToLower(decoration)
	for _, entry := range roleMarkers {
		for _, marker := range entry.markers {
			if strings.Contains(lowered, marker) {
				return entry.role
			}
		}
	}
	return RoleMember
}

// IsStaff сообщает, что роль может закрывать вопросы участников.
func (r MemberRole) IsStaff() bool {
	return r == RoleCoach || r == RoleVolunteer
}

// Promote возвращает более сильную из двух ролей.
func (r MemberRole) Promote(other MemberRole) MemberRole {
	rank := map[MemberRole]int{RoleMember: 0, RoleVolunteer: 1, RoleCoach: 2}
	if rank[other] > rank[r] {
		return other
	}
	if r == "" {
		return RoleMember
	}
	return r
}
