package core

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/3cpo-dev/unimigrate/internal/networks"
)

// Plan names.
const (
	PlanV1 = "v1"
	PlanV2 = "v2"
)

// Step names, used as keys in Results.
const (
	StepPool          = "pool"
	StepCore          = "core"
	StepInterestRate  = "interestRateModel"
	StepOracle        = "oracle"
	StepPosition      = "position"
	ArtifactPool      = "UnilendV2Pool"
	ArtifactCore      = "UnilendV2Core"
	ArtifactRateModel = "UnilendV2InterestRateModel"
	ArtifactOracle    = "UnilendV2oracle"
	ArtifactPosition  = "UnilendV2Position"
)

var (
	ErrUnknownStep = errors.New("no deployed address for step")
	ErrUnknownPlan = errors.New("unknown plan")
)

// Results holds the address of every completed step.
type Results map[string]common.Address

// Address returns the deployed address of step.
func (r Results) Address(step string) (common.Address, error) {
	a, ok := r[step]
	if !ok {
		return common.Address{}, fmt.Errorf("%w %q", ErrUnknownStep, step)
	}
	return a, nil
}

// ArgsFunc builds call arguments from the steps completed so far.
type ArgsFunc func(Results) ([]interface{}, error)

// Step deploys one artifact.
type Step struct {
	Name     string
	Artifact string
	Args     ArgsFunc
}

// Binding calls a setter on an already deployed step. Getter, when set,
// names the view that must return the bound address afterwards.
type Binding struct {
	Name   string
	Target string
	Method string
	Args   ArgsFunc
	Getter string
}

// Plan is an ordered list of deployments followed by an ordered list of bindings.
type Plan struct {
	Name        string
	Description string
	Steps       []Step
	Bindings    []Binding
}

func noArgs(Results) ([]interface{}, error) { return nil, nil }

// addressOf passes the addresses of the named steps, in order.
func addressOf(steps ...string) ArgsFunc {
	return func(r Results) ([]interface{}, error) {
		out := make([]interface{}, 0, len(steps))
		for _, s := range steps {
			a, err := r.Address(s)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
		return out, nil
	}
}

func fixedAddress(a common.Address) ArgsFunc {
	return func(Results) ([]interface{}, error) { return []interface{}{a}, nil }
}

var planDescriptions = map[string]string{
	PlanV1: "oracle priced against the pool address; binds position and oracle",
	PlanV2: "oracle priced against the network's reference token; binds position, oracle and default interest rate model",
}

// LookupPlan returns the description of a named plan.
func LookupPlan(name string) (string, error) {
	d, ok := planDescriptions[name]
	if !ok {
		return "", fmt.Errorf("%w %q (known: %v)", ErrUnknownPlan, name, PlanNames())
	}
	return d, nil
}

// PlanNames lists the known plans.
func PlanNames() []string {
	names := make([]string, 0, len(planDescriptions))
	for n := range planDescriptions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewPlan builds the UniLend V2 deployment. referenceToken is the oracle's
// quote asset in v2; empty means the canonical mainnet WETH. v1 ignores it.
func NewPlan(name, referenceToken string) (Plan, error) {
	desc, err := LookupPlan(name)
	if err != nil {
		return Plan{}, &ConfigError{Field: "plan", Err: err}
	}

	oracleArgs := addressOf(StepPool)
	if name == PlanV2 {
		if referenceToken == "" {
			referenceToken = networks.MainnetWETH
		}
		if !common.IsHexAddress(referenceToken) {
			return Plan{}, &ConfigError{
				Field: "reference_token",
				Err:   fmt.Errorf("plan %s: reference_token %q is not an address", name, referenceToken),
			}
		}
		oracleArgs = fixedAddress(common.HexToAddress(referenceToken))
	}

	p := Plan{
		Name:        name,
		Description: desc,
		Steps: []Step{
			{Name: StepPool, Artifact: ArtifactPool, Args: noArgs},
			{Name: StepCore, Artifact: ArtifactCore, Args: addressOf(StepPool)},
			{Name: StepInterestRate, Artifact: ArtifactRateModel, Args: noArgs},
			{Name: StepOracle, Artifact: ArtifactOracle, Args: oracleArgs},
			{Name: StepPosition, Artifact: ArtifactPosition, Args: addressOf(StepCore)},
		},
		Bindings: []Binding{
			{Name: "Position", Target: StepCore, Method: "setPositionAddress", Args: addressOf(StepPosition), Getter: "positionsAddress"},
			{Name: "Oracle", Target: StepCore, Method: "setOracleAddress", Args: addressOf(StepOracle), Getter: "oracleAddress"},
		},
	}
	if name == PlanV2 {
		p.Bindings = append(p.Bindings, Binding{
			Name: "Default interest rate", Target: StepCore, Method: "setDefaultInterestRateAddress",
			Args: addressOf(StepInterestRate), Getter: "defaultInterestRateAddress",
		})
	}
	return p, p.Validate()
}

// Validate checks the plan's internal references.
func (p Plan) Validate() error {
	seen := map[string]bool{}
	for _, s := range p.Steps {
		if s.Name == "" || s.Artifact == "" {
			return fmt.Errorf("plan %s: step needs a name and an artifact", p.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("plan %s: duplicate step %q", p.Name, s.Name)
		}
		seen[s.Name] = true
	}
	for _, b := range p.Bindings {
		if !seen[b.Target] {
			return fmt.Errorf("plan %s: binding %q targets unknown step %q", p.Name, b.Name, b.Target)
		}
	}
	return nil
}

// Artifacts lists the distinct artifact names the plan needs, in step order.
func (p Plan) Artifacts() []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range p.Steps {
		if !seen[s.Artifact] {
			seen[s.Artifact] = true
			out = append(out, s.Artifact)
		}
	}
	return out
}

// Step returns the named step.
func (p Plan) Step(name string) (Step, bool) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}
