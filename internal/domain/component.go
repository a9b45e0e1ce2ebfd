package domain

import "time"

// Component is a logical participant observed inside a project. Identity is
// (ProjectID, Name); ID is a surrogate storage key.
type Component struct {
	ID          string
	ProjectID   string
	Name        string
	Layer       string
	Type        string
	PackageName string
	Technology  string
	CreatedAt   time.Time
}

// DependencyEdge is a directed "observed to call" relation between two
// components of a project. Repeated observations produce repeated edges; this
// is not an ownership relation.
type DependencyEdge struct {
	ID         int64
	ProjectID  string
	From       string
	To         string
	ObservedAt time.Time
}
