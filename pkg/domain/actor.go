package domain

import "fmt"

// ActorKind identifies who triggered a state change.
type ActorKind string

const (
	ActorSystem    ActorKind = "system"
	ActorApplicant ActorKind = "applicant"
	ActorOperator  ActorKind = "operator"
)

// IsValid reports whether the kind is one of the known actor kinds.
func (k ActorKind) IsValid() bool {
	switch k {
	case ActorSystem, ActorApplicant, ActorOperator:
		return true
	}
	return false
}

// Actor is the verified identity behind a request, as produced by the
// authentication collaborator.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

// System is the actor used for automatic transitions and background sweeps.
var System = Actor{Kind: ActorSystem, ID: "lendflow"}

func (a Actor) IsZero() bool     { return a.Kind == "" }
func (a Actor) IsOperator() bool { return a.Kind == ActorOperator && a.ID != "" }

func (a Actor) String() string {
	if a.ID == "" {
		return string(a.Kind)
	}
	return fmt.Sprintf("%s:%s", a.Kind, a.ID)
}
