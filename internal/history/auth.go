package history

import "strings"

// Authorizer decides who may write and publish.
type Authorizer interface {
	CanAuthor(user string) bool
}

// AllowAll authorizes every non-empty user name.
type AllowAll struct{}

func (AllowAll) CanAuthor(user string) bool {
	return strings.TrimSpace(user) != ""
}

// AllowUsers authorizes a fixed set of users.
type AllowUsers map[string]struct{}

// NewAllowUsers builds an AllowUsers set.
func NewAllowUsers(users ...string) AllowUsers {
	a := make(AllowUsers, len(users))
	for _, u := range users {
		if u = strings.TrimSpace(u); u != "" {
			a[u] = struct{}{}
		}
	}
	return a
}

func (a AllowUsers) CanAuthor(user string) bool {
	_, ok := a[strings.TrimSpace(user)]
	return ok
}
