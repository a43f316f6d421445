package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "reader read", role: RoleReader, action: ActionRead, allow: true},
		{name: "reader fork", role: RoleReader, action: ActionFork, allow: true},
		{name: "reader write", role: RoleReader, action: ActionWrite, allow: false},
		{name: "coauthor write", role: RoleCoauthor, action: ActionWrite, allow: true},
		{name: "coauthor delete", role: RoleCoauthor, action: ActionDelete, allow: false},
		{name: "coauthor manage", role: RoleCoauthor, action: ActionManageCoauthors, allow: false},
		{name: "domain owner write", role: RoleDomainOwner, action: ActionWrite, allow: true},
		{name: "domain owner publish", role: RoleDomainOwner, action: ActionPublish, allow: false},
		{name: "author delete", role: RoleAuthor, action: ActionDelete, allow: true},
		{name: "none read", role: RoleNone, action: ActionRead, allow: false},
		{name: "admin publish", role: RoleAdmin, action: ActionPublish, allow: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestRoleFor(t *testing.T) {
	private := Facts{AuthorID: "u1", CoauthorEmails: []string{"friend@example.com"}, Private: true}
	public := Facts{AuthorID: "u1"}

	cases := []struct {
		name    string
		subject Subject
		facts   Facts
		want    Role
	}{
		{"author", Subject{UserID: "u1"}, private, RoleAuthor},
		{"coauthor case insensitive", Subject{UserID: "u2", Email: "Friend@Example.com"}, private, RoleCoauthor},
		{"domain owner", Subject{UserID: "u3"}, Facts{AuthorID: "u1", DomainOwner: true, Private: true}, RoleDomainOwner},
		{"stranger private", Subject{UserID: "u4", Email: "x@example.com"}, private, RoleNone},
		{"anonymous public", Subject{}, public, RoleReader},
		{"anonymous private", Subject{}, private, RoleNone},
		{"admin", Subject{UserID: "u9", Admin: true}, private, RoleAdmin},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RoleFor(tc.subject, tc.facts); got != tc.want {
				t.Fatalf("RoleFor = %q, want %q", got, tc.want)
			}
		})
	}
}
