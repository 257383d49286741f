// Package model holds the replicated row types of the todo/project manager.
// Every row carries the ownership fields the server filters and authorizes
// on; keys are strings (client-assigned UUIDs for optimistic inserts).
package model

import "time"

const (
	TableTodos    = "todos"
	TableProjects = "projects"
)

type Todo struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ProjectID string    `json:"project_id,omitempty"`
	Text      string    `json:"text"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"created_at"`
}

func (t Todo) Key() string { return t.ID }

func (t Todo) WithKey(key string) Todo {
	t.ID = key
	return t
}

// Project groups todos; SharedUserIDs is the share list consulted by the
// server's write predicate alongside the owner.
type Project struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Name          string    `json:"name"`
	SharedUserIDs []string  `json:"shared_user_ids"`
	CreatedAt     time.Time `json:"created_at"`
}

func (p Project) Key() string { return p.ID }

func (p Project) WithKey(key string) Project {
	p.ID = key
	return p
}

// SharedWith reports whether userID may write the project's todos: owner or
// share-list member.
func (p Project) SharedWith(userID string) bool {
	if p.OwnerID == userID {
		return true
	}
	for _, id := range p.SharedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
