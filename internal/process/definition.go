// Package process implements a token-based workflow engine: YAML
// process definitions, activity dispatch, gateways, timers, user
// tasks, and embedded sagas.
package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/internal/saga"
	"github.com/droverhq/drover/pkg/models"
)

// ErrDefinitionNotFound indicates an unknown process definition name.
var ErrDefinitionNotFound = errors.New("process definition not found")

// ActivityType is the kind of node a token can sit at.
type ActivityType string

const (
	ActivityStartEvent       ActivityType = "startEvent"
	ActivityEndEvent         ActivityType = "endEvent"
	ActivityServiceTask      ActivityType = "serviceTask"
	ActivityUserTask         ActivityType = "userTask"
	ActivityExclusiveGateway ActivityType = "exclusiveGateway"
	ActivityParallelGateway  ActivityType = "parallelGateway"
	ActivityTimerEvent       ActivityType = "timerEvent"
	ActivitySubProcess       ActivityType = "subProcess"
)

// ServiceKind is the execution flavor of a serviceTask.
type ServiceKind string

const (
	ServiceAgent  ServiceKind = "agent"
	ServiceScript ServiceKind = "script"
	ServiceHTTP   ServiceKind = "http"
	ServiceSaga   ServiceKind = "saga"
)

// ServiceSpec configures a serviceTask activity.
type ServiceSpec struct {
	// Kind selects the executor: agent, script, http, or saga.
	Kind ServiceKind `yaml:"kind" json:"kind"`
	// Category is the agent pool for agent tasks.
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
	// Action names the script for script tasks.
	Action string `yaml:"action,omitempty" json:"action,omitempty"`
	// URL and Method configure http tasks.
	URL    string `yaml:"url,omitempty" json:"url,omitempty"`
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
	// Saga embeds a saga definition for saga tasks.
	Saga *saga.Definition `yaml:"saga,omitempty" json:"saga,omitempty"`
	// Timeout bounds the execution, zero meaning the engine default.
	Timeout models.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// UserSpec configures a userTask activity.
type UserSpec struct {
	Assignee   string        `yaml:"assignee,omitempty" json:"assignee,omitempty"`
	Candidates []string      `yaml:"candidates,omitempty" json:"candidates,omitempty"`
	EscalateTo string        `yaml:"escalate_to,omitempty" json:"escalate_to,omitempty"`
	SLA        models.Duration `yaml:"sla,omitempty" json:"sla,omitempty"`
}

// Activity is one node of a process definition.
type Activity struct {
	ID   string       `yaml:"id" json:"id"`
	Name string       `yaml:"name,omitempty" json:"name,omitempty"`
	Type ActivityType `yaml:"type" json:"type"`
	// Service configures serviceTask activities.
	Service *ServiceSpec `yaml:"service,omitempty" json:"service,omitempty"`
	// User configures userTask activities.
	User *UserSpec `yaml:"user,omitempty" json:"user,omitempty"`
	// Duration is the delay of a timerEvent.
	Duration models.Duration `yaml:"duration,omitempty" json:"duration,omitempty"`
	// Process names the child definition of a subProcess.
	Process string `yaml:"process,omitempty" json:"process,omitempty"`
}

// Flow is a directed edge between activities. Conditions apply at
// exclusive gateways; Default marks the fallback flow taken when no
// condition matches.
type Flow struct {
	ID        string `yaml:"id" json:"id"`
	From      string `yaml:"from" json:"from"`
	To        string `yaml:"to" json:"to"`
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	Default   bool   `yaml:"default,omitempty" json:"default,omitempty"`
}

// Definition is a complete process: activities joined by flows, with
// exactly one start event.
type Definition struct {
	Name       string     `yaml:"name" json:"name"`
	Version    int        `yaml:"version,omitempty" json:"version,omitempty"`
	Activities []Activity `yaml:"activities" json:"activities"`
	Flows      []Flow     `yaml:"flows" json:"flows"`
}

// Validate checks structural invariants: unique activity IDs, exactly
// one start event, flows referencing known activities, parseable
// conditions, and service/user specs present where their type needs
// them.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition needs a name")
	}
	byID := make(map[string]Activity, len(d.Activities))
	starts := 0
	for _, a := range d.Activities {
		if a.ID == "" {
			return fmt.Errorf("definition %s: activity without id", d.Name)
		}
		if _, dup := byID[a.ID]; dup {
			return fmt.Errorf("definition %s: duplicate activity id %s", d.Name, a.ID)
		}
		byID[a.ID] = a
		switch a.Type {
		case ActivityStartEvent:
			starts++
		case ActivityServiceTask:
			if a.Service == nil {
				return fmt.Errorf("definition %s: serviceTask %s without service spec", d.Name, a.ID)
			}
			if a.Service.Kind == ServiceSaga && a.Service.Saga == nil {
				return fmt.Errorf("definition %s: saga task %s without saga definition", d.Name, a.ID)
			}
		case ActivityUserTask:
			if a.User == nil {
				return fmt.Errorf("definition %s: userTask %s without user spec", d.Name, a.ID)
			}
		case ActivityTimerEvent:
			if a.Duration <= 0 {
				return fmt.Errorf("definition %s: timerEvent %s without duration", d.Name, a.ID)
			}
		case ActivitySubProcess:
			if a.Process == "" {
				return fmt.Errorf("definition %s: subProcess %s without process name", d.Name, a.ID)
			}
		case ActivityEndEvent, ActivityExclusiveGateway, ActivityParallelGateway:
		default:
			return fmt.Errorf("definition %s: activity %s has unknown type %q", d.Name, a.ID, a.Type)
		}
	}
	if starts != 1 {
		return fmt.Errorf("definition %s: expected exactly one startEvent, found %d", d.Name, starts)
	}
	for _, f := range d.Flows {
		if _, ok := byID[f.From]; !ok {
			return fmt.Errorf("definition %s: flow %s from unknown activity %s", d.Name, f.ID, f.From)
		}
		if _, ok := byID[f.To]; !ok {
			return fmt.Errorf("definition %s: flow %s to unknown activity %s", d.Name, f.ID, f.To)
		}
		if f.Condition != "" {
			if _, err := ParseCondition(f.Condition); err != nil {
				return fmt.Errorf("definition %s: flow %s: %w", d.Name, f.ID, err)
			}
		}
	}
	return nil
}

// start returns the single start event. Valid definitions always have one.
func (d *Definition) start() (Activity, bool) {
	for _, a := range d.Activities {
		if a.Type == ActivityStartEvent {
			return a, true
		}
	}
	return Activity{}, false
}

// activity looks up an activity by ID.
func (d *Definition) activity(id string) (Activity, bool) {
	for _, a := range d.Activities {
		if a.ID == id {
			return a, true
		}
	}
	return Activity{}, false
}

// outgoing returns the flows leaving an activity, in definition order.
func (d *Definition) outgoing(activityID string) []Flow {
	var out []Flow
	for _, f := range d.Flows {
		if f.From == activityID {
			out = append(out, f)
		}
	}
	return out
}

// incomingCount returns the static in-degree of an activity, the join
// threshold for parallel gateways.
func (d *Definition) incomingCount(activityID string) int {
	count := 0
	for _, f := range d.Flows {
		if f.To == activityID {
			count++
		}
	}
	return count
}

// ParseDefinition decodes and validates one YAML process definition.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse process definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// LoadDefinitionFile reads and parses a definition from disk.
func LoadDefinitionFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read process definition: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return def, nil
}
