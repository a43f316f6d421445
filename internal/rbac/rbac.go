// Package rbac maps a user's relationship to a document onto the actions they may take.
package rbac

import "strings"

type Role string
type Action string

const (
	RoleNone        Role = "none"
	RoleReader      Role = "reader"
	RoleDomainOwner Role = "domain_owner"
	RoleCoauthor    Role = "coauthor"
	RoleAuthor      Role = "author"
	RoleAdmin       Role = "admin"
)

const (
	ActionRead            Action = "read"
	ActionFork            Action = "fork"
	ActionWrite           Action = "write"
	ActionPublish         Action = "publish"
	ActionManageCoauthors Action = "manage_coauthors"
	ActionDelete          Action = "delete"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin, RoleAuthor:
		return true
	case RoleCoauthor, RoleDomainOwner:
		return action == ActionRead || action == ActionFork || action == ActionWrite
	case RoleReader:
		return action == ActionRead || action == ActionFork
	default:
		return false
	}
}

// Subject is the caller. An empty UserID is an anonymous visitor.
type Subject struct {
	UserID string
	Email  string
	Admin  bool
}

// Facts about the document needed to place the subject.
type Facts struct {
	AuthorID       string
	CoauthorEmails []string
	DomainOwner    bool
	Private        bool
}

// RoleFor returns the strongest relationship the subject has with the document.
func RoleFor(subject Subject, facts Facts) Role {
	switch {
	case subject.Admin:
		return RoleAdmin
	case subject.UserID != "" && subject.UserID == facts.AuthorID:
		return RoleAuthor
	case subject.Email != "" && containsFold(facts.CoauthorEmails, subject.Email):
		return RoleCoauthor
	case subject.UserID != "" && facts.DomainOwner:
		return RoleDomainOwner
	case !facts.Private:
		return RoleReader
	default:
		return RoleNone
	}
}

func containsFold(values []string, target string) bool {
	for _, value := range values {
		if strings.EqualFold(value, target) {
			return true
		}
	}
	return false
}

// Normalize maps a stored account role onto the admin flag.
func Normalize(role string) Role {
	if Role(role) == RoleAdmin {
		return RoleAdmin
	}
	return RoleNone
}
