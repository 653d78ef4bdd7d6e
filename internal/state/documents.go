package state

// Planning-phase documents. These are produced by the planning crew and
// consumed read-only by every later phase.

// Priority is a MoSCoW priority for a user story.
type Priority string

const (
	PriorityMust   Priority = "must"
	PriorityShould Priority = "should"
	PriorityCould  Priority = "could"
	PriorityWont   Priority = "wont"
)

// UserStory is a single requirement expressed from the user's point of view.
type UserStory struct {
	ID                 string   `json:"id"`
	Role               string   `json:"role"`
	Action             string   `json:"action"`
	Benefit            string   `json:"benefit"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Priority           Priority `json:"priority"`
}

// Requirements is the output of requirements analysis. A valid document
// carries at least three user stories.
type Requirements struct {
	ProjectName   string      `json:"project_name"`
	Description   string      `json:"description"`
	TargetUsers   []string    `json:"target_users"`
	UserStories   []UserStory `json:"user_stories"`
	NonFunctional []string    `json:"non_functional,omitempty"`
	Assumptions   []string    `json:"assumptions,omitempty"`
	Constraints   []string    `json:"constraints,omitempty"`
	Confidence    float64     `json:"confidence,omitempty"`
}

// MinUserStories is the smallest number of user stories a requirements
// document may carry and still pass behavioral validation.
const MinUserStories = 3

// Component is a named architectural unit with a single responsibility.
type Component struct {
	Name           string   `json:"name"`
	Responsibility string   `json:"responsibility"`
	DependsOn      []string `json:"depends_on,omitempty"`
}

// TechChoice records one technology selection and why it was made.
type TechChoice struct {
	Area          string `json:"area"` // "backend", "database", "frontend", ...
	Choice        string `json:"choice"`
	Justification string `json:"justification,omitempty"`
}

// InterfaceContract describes one boundary between components.
type InterfaceContract struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"` // "http", "queue", "library", ...
	Description string `json:"description,omitempty"`
}

// DecisionRecord is an architecture decision record.
type DecisionRecord struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Context      string   `json:"context,omitempty"`
	Decision     string   `json:"decision"`
	Consequences []string `json:"consequences,omitempty"`
}

// Architecture is the output of architecture design.
type Architecture struct {
	Overview     string              `json:"overview"`
	Components   []Component         `json:"components"`
	TechChoices  []TechChoice        `json:"tech_choices"`
	Interfaces   []InterfaceContract `json:"interfaces,omitempty"`
	DataEntities []string            `json:"data_entities,omitempty"`
	Topology     string              `json:"topology,omitempty"`
	Decisions    []DecisionRecord    `json:"decisions,omitempty"`
}

// HasComponent reports whether a component with the given name is declared.
// Matching is exact on the declared name.
func (a *Architecture) HasComponent(name string) bool {
	if a == nil {
		return false
	}
	for _, c := range a.Components {
		if c.Name == name {
			return true
		}
	}
	return false
}

// HasFrontend reports whether the architecture declares a frontend
// component. Development skips frontend tasks when it does not.
func (a *Architecture) HasFrontend() bool {
	if a == nil {
		return false
	}
	for _, c := range a.Components {
		if c.Name == "frontend" || c.Name == "ui" || c.Name == "web" {
			return true
		}
	}
	return false
}
