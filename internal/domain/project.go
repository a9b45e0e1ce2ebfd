package domain

import "time"

// Project identifies an instrumented application. Project lifecycle and
// membership are owned by an external service; LogLens only reads projects.
type Project struct {
	ID        string
	Name      string
	CreatedAt time.Time
}
