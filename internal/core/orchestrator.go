package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/unimigrate/internal/artifacts"
	"github.com/3cpo-dev/unimigrate/internal/chain"
	"github.com/3cpo-dev/unimigrate/internal/networks"
	"github.com/3cpo-dev/unimigrate/internal/telemetry"
	"github.com/3cpo-dev/unimigrate/internal/verify"
	"github.com/3cpo-dev/unimigrate/pkg/api"
)

var (
	ErrCheckFailed = errors.New("on-chain bindings do not match")
	ErrNoLedger    = errors.New("run ledger not configured")
	ErrNotDeployed = errors.New("contract not deployed by the run")
)

// Backend is the chain access the orchestrator needs; *chain.Deployer implements it.
type Backend interface {
	From() common.Address
	CheckChain(ctx context.Context, match func(*big.Int) bool) (*big.Int, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	NextNonce(ctx context.Context) (uint64, error)
	EstimateDeploy(ctx context.Context, a *artifacts.Artifact, args ...interface{}) (uint64, error)
	Deploy(ctx context.Context, a *artifacts.Artifact, args ...interface{}) (*chain.Deployment, error)
	Transact(ctx context.Context, to common.Address, a *artifacts.Artifact, method string, args ...interface{}) (*types.Receipt, error)
	CallAddress(ctx context.Context, to common.Address, a *artifacts.Artifact, method string) (common.Address, error)
	HasCode(ctx context.Context, addr common.Address) (bool, error)
}

// Verifier submits contract sources to a block explorer.
type Verifier interface {
	Verify(ctx context.Context, req verify.Request) error
}

// Options configure an Orchestrator.
type Options struct {
	Network networks.Network
	// Reset redeploys even when the ledger holds a succeeded run of the plan.
	Reset   bool
	Metrics *telemetry.Collector
}

// Orchestrator executes plans against one network.
type Orchestrator struct {
	backend   Backend
	artifacts *artifacts.Store
	ledger    *Store
	network   networks.Network
	reset     bool
	metrics   *telemetry.Collector

	mu    sync.RWMutex
	state State
}

// Outcome is what a Run produced.
type Outcome struct {
	Run         api.Run
	Results     Results
	Deployments []*chain.Deployment
	// Skipped is set when the ledger showed the plan already applied.
	Skipped bool
}

func NewOrchestrator(backend Backend, store *artifacts.Store, ledger *Store, opts Options) *Orchestrator {
	m := opts.Metrics
	if m == nil {
		m = telemetry.GetGlobal()
	}
	return &Orchestrator{
		backend:   backend,
		artifacts: store,
		ledger:    ledger,
		network:   opts.Network,
		reset:     opts.Reset,
		metrics:   m,
		state:     State{Phase: PhaseNotStarted},
	}
}

// State returns the current progress.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	s.RunID = o.state.RunID
	o.state = s
	o.mu.Unlock()
	log.Debug().Str("network", o.network.Name).Str("state", s.String()).Msg("state transition")
}

func (o *Orchestrator) setRunID(id string) {
	o.mu.Lock()
	o.state.RunID = id
	o.mu.Unlock()
}

func (o *Orchestrator) resolve(p Plan) (map[string]*artifacts.Artifact, error) {
	arts, err := o.artifacts.Resolve(p.Artifacts()...)
	if err != nil {
		return nil, &ConfigError{Field: "artifacts", Err: err}
	}
	return arts, nil
}

// Run executes plan. It stops at the first failure and returns a
// *StepError naming it; already deployed contracts are left in place.
func (o *Orchestrator) Run(ctx context.Context, p Plan) (*Outcome, error) {
	if o.ledger == nil {
		return nil, ErrNoLedger
	}
	if err := p.Validate(); err != nil {
		return nil, &ConfigError{Field: "plan", Err: err}
	}
	arts, err := o.resolve(p)
	if err != nil {
		return nil, err
	}
	chainID, err := o.backend.CheckChain(ctx, o.network.Matches)
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", o.network.Name, err)
	}
	netID, err := o.backend.NetworkID(ctx)
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", o.network.Name, err)
	}

	if !o.reset {
		out, err := o.upToDate(ctx, p, chainID)
		if err != nil {
			return nil, err
		}
		if out != nil {
			o.setState(State{Phase: PhaseComplete})
			return out, nil
		}
	}

	run, err := o.ledger.StartRun(ctx, o.network.Name, chainID.String(), p.Name, o.backend.From().Hex())
	if err != nil {
		return nil, err
	}
	o.setRunID(run.ID)
	log.Info().
		Str("run", run.ID).
		Str("network", o.network.Name).
		Str("chain_id", chainID.String()).
		Str("plan", p.Name).
		Str("from", run.Deployer).
		Msg("starting migration")
	runLabels := map[string]string{"plan": p.Name, "network": o.network.Name}
	stopRun := o.metrics.Time(telemetry.RunDuration, runLabels)
	defer stopRun()

	out := &Outcome{Run: run, Results: Results{}}

	for i, step := range p.Steps {
		o.setState(State{Phase: PhaseDeploying, Index: i, Step: step.Name})
		if err := o.ledger.SetStep(ctx, run.ID, i); err != nil {
			return nil, o.abort(ctx, out, KindDeploy, step.Name, err)
		}
		dep, err := o.deploy(ctx, step, arts[step.Artifact], out.Results, netID, run.ID)
		if err != nil {
			return nil, o.abort(ctx, out, KindDeploy, step.Name, err)
		}
		out.Results[step.Name] = dep.Address
		out.Deployments = append(out.Deployments, dep)
		o.metrics.Gauge(telemetry.StepsCompleted, float64(i+1), runLabels)
	}

	for j, b := range p.Bindings {
		o.setState(State{Phase: PhaseBinding, Index: j, Step: b.Name})
		if err := o.ledger.SetStep(ctx, run.ID, len(p.Steps)+j); err != nil {
			return nil, o.abort(ctx, out, KindBind, b.Name, err)
		}
		target, _ := p.Step(b.Target)
		if err := o.bind(ctx, b, arts[target.Artifact], out.Results, run.ID); err != nil {
			return nil, o.abort(ctx, out, KindBind, b.Name, err)
		}
		o.metrics.Gauge(telemetry.StepsCompleted, float64(len(p.Steps)+j+1), runLabels)
	}

	if err := o.ledger.FinishRun(ctx, run.ID, api.RunSucceeded, "", nil); err != nil {
		return nil, err
	}
	out.Run.Status = api.RunSucceeded
	o.setState(State{Phase: PhaseComplete})
	log.Info().Str("run", run.ID).Int("deployments", len(out.Deployments)).Int("bindings", len(p.Bindings)).Msg("migration complete")
	return out, nil
}

func (o *Orchestrator) deploy(ctx context.Context, step Step, a *artifacts.Artifact, results Results, netID *big.Int, runID string) (*chain.Deployment, error) {
	labels := map[string]string{"step": step.Name, "contract": step.Artifact}
	start := time.Now()

	args, err := step.Args(results)
	if err != nil {
		return nil, fmt.Errorf("constructor args: %w", err)
	}
	dep, err := o.backend.Deploy(ctx, a, args...)
	if err != nil {
		return nil, err
	}

	o.metrics.Timer(telemetry.StepDuration, time.Since(start), labels)
	o.metrics.Counter(telemetry.GasUsed, float64(dep.GasUsed), labels)
	o.metrics.Counter(telemetry.Transactions, 1, labels)
	log.Info().
		Str("address", dep.Address.Hex()).
		Str("tx", dep.TxHash.Hex()).
		Uint64("block", dep.BlockNumber).
		Uint64("gas_used", dep.GasUsed).
		Msgf("%s deployed", step.Artifact)

	rec := api.DeploymentRecord{
		Step:        step.Name,
		Contract:    step.Artifact,
		Address:     dep.Address.Hex(),
		TxHash:      dep.TxHash.Hex(),
		BlockNumber: dep.BlockNumber,
		GasUsed:     dep.GasUsed,
		Args:        renderArgs(args),
		EncodedArgs: hexutil.Encode(dep.EncodedArgs),
	}
	if err := o.ledger.AddDeployment(ctx, runID, rec); err != nil {
		return dep, err
	}
	if err := o.artifacts.RecordDeployment(step.Artifact, netID, dep.Address, dep.TxHash); err != nil {
		log.Warn().Err(err).Str("contract", step.Artifact).Str("path", a.Path()).Msg("could not record address in artifact")
	}
	return dep, nil
}

func (o *Orchestrator) bind(ctx context.Context, b Binding, target *artifacts.Artifact, results Results, runID string) error {
	labels := map[string]string{"binding": b.Name, "method": b.Method}
	start := time.Now()

	to, err := results.Address(b.Target)
	if err != nil {
		return err
	}
	args, err := b.Args(results)
	if err != nil {
		return fmt.Errorf("setter args: %w", err)
	}
	receipt, err := o.backend.Transact(ctx, to, target, b.Method, args...)
	if err != nil {
		return err
	}

	o.metrics.Timer(telemetry.StepDuration, time.Since(start), labels)
	o.metrics.Counter(telemetry.GasUsed, float64(receipt.GasUsed), labels)
	o.metrics.Counter(telemetry.Transactions, 1, labels)
	log.Info().
		Str("target", to.Hex()).
		Str("tx", receipt.TxHash.Hex()).
		Uint64("gas_used", receipt.GasUsed).
		Msgf("%s address set", b.Name)

	var arg string
	if rendered := renderArgs(args); len(rendered) > 0 {
		arg = rendered[0]
	}
	return o.ledger.AddBinding(ctx, runID, api.BindingRecord{
		Name:        b.Name,
		Target:      to.Hex(),
		Method:      b.Method,
		Arg:         arg,
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	})
}

// abort records the failure and returns it as a *StepError.
func (o *Orchestrator) abort(ctx context.Context, out *Outcome, kind StepKind, step string, cause error) error {
	serr := &StepError{Kind: kind, Step: step, Err: cause}
	o.setState(State{Phase: PhaseAborted, Step: step})
	o.metrics.Counter(telemetry.StepFailures, 1, map[string]string{"step": step, "kind": string(kind)})

	// Record the failure even when ctx was cancelled by a signal.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.ledger.FinishRun(wctx, out.Run.ID, api.RunFailed, step, cause); err != nil {
		log.Error().Err(err).Str("run", out.Run.ID).Msg("could not record failed run")
	}

	ev := log.Error().Err(cause).Str("run", out.Run.ID).Str("kind", string(kind)).Str("step", step)
	for name, addr := range out.Results {
		ev = ev.Str("deployed_"+name, addr.Hex())
	}
	ev.Msg("migration aborted; contracts already deployed are left in place")
	return serr
}

// upToDate returns an Outcome when the ledger shows p already applied to
// this chain and every contract it recorded still has code.
func (o *Orchestrator) upToDate(ctx context.Context, p Plan, chainID *big.Int) (*Outcome, error) {
	last, err := o.ledger.LastSucceeded(ctx, o.network.Name, chainID.String(), p.Name)
	if err != nil || last == nil {
		return nil, err
	}
	rep, err := o.ledger.Report(ctx, last.ID)
	if err != nil {
		return nil, err
	}
	results := Results{}
	for _, d := range rep.Deployments {
		addr := common.HexToAddress(d.Address)
		ok, err := o.backend.HasCode(ctx, addr)
		if err != nil {
			return nil, err
		}
		if !ok {
			// a development chain restarted since the last run
			log.Warn().Str("run", last.ID).Str("contract", d.Contract).Str("address", d.Address).
				Msg("ledger is stale, contract no longer on chain; redeploying")
			return nil, nil
		}
		results[d.Step] = addr
	}
	log.Info().Str("run", last.ID).Str("network", o.network.Name).Str("plan", p.Name).
		Msg("network up to date, nothing to migrate (use --reset to redeploy)")
	return &Outcome{Run: *last, Results: results, Skipped: true}, nil
}

// Preview predicts every deployment address from the sender's pending
// nonce and estimates gas for each creation without sending anything.
// Estimation failures are reported per step.
func (o *Orchestrator) Preview(ctx context.Context, p Plan) ([]api.PreviewStep, error) {
	arts, err := o.resolve(p)
	if err != nil {
		return nil, err
	}
	if _, err := o.backend.CheckChain(ctx, o.network.Matches); err != nil {
		return nil, fmt.Errorf("network %s: %w", o.network.Name, err)
	}
	nonce, err := o.backend.NextNonce(ctx)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}
	from := o.backend.From()

	predicted := Results{}
	out := make([]api.PreviewStep, 0, len(p.Steps))
	var total uint64
	for i, step := range p.Steps {
		n := nonce + uint64(i)
		addr := crypto.CreateAddress(from, n)
		ps := api.PreviewStep{Step: step.Name, Contract: step.Artifact, Nonce: n, Address: addr.Hex()}

		args, err := step.Args(predicted)
		if err == nil {
			ps.Gas, err = o.backend.EstimateDeploy(ctx, arts[step.Artifact], args...)
		}
		if err != nil {
			ps.Error = err.Error()
			log.Warn().Err(err).Str("step", step.Name).Msg("dry run: estimate failed")
		}
		total += ps.Gas
		predicted[step.Name] = addr
		out = append(out, ps)
	}
	log.Info().Str("network", o.network.Name).Int("deployments", len(out)).Uint64("estimated_gas", total).Msg("dry run complete")
	return out, nil
}

// Check calls every binding's getter on the target contract and compares
// it with the address the binding set. A getter missing from the target's
// ABI counts as a failed check.
func (o *Orchestrator) Check(ctx context.Context, p Plan, results Results) ([]api.CheckResult, error) {
	arts, err := o.resolve(p)
	if err != nil {
		return nil, err
	}
	var out []api.CheckResult
	failed := false
	for _, b := range p.Bindings {
		target, _ := p.Step(b.Target)
		a := arts[target.Artifact]
		if b.Getter == "" {
			log.Debug().Str("binding", b.Name).Msg("no getter to check")
			continue
		}
		if !a.HasMethod(b.Getter) {
			failed = true
			log.Error().Str("getter", b.Getter).Str("contract", target.Artifact).Msgf("%s cannot be checked", b.Name)
			out = append(out, api.CheckResult{Binding: b.Name, Getter: b.Getter, Error: fmt.Sprintf("%s has no method %s", target.Artifact, b.Getter)})
			continue
		}
		to, err := results.Address(b.Target)
		if err != nil {
			return out, err
		}
		args, err := b.Args(results)
		if err != nil {
			return out, err
		}
		if len(args) != 1 {
			return out, fmt.Errorf("binding %s: expected one argument, got %d", b.Name, len(args))
		}
		expected, ok := args[0].(common.Address)
		if !ok {
			return out, fmt.Errorf("binding %s: argument is %T, not an address", b.Name, args[0])
		}
		actual, err := o.backend.CallAddress(ctx, to, a, b.Getter)
		if err != nil {
			return out, err
		}
		r := api.CheckResult{Binding: b.Name, Getter: b.Getter, Expected: expected.Hex(), Actual: actual.Hex(), OK: expected == actual}
		if !r.OK {
			failed = true
			log.Error().Str("getter", b.Getter).Str("expected", r.Expected).Str("actual", r.Actual).Msgf("%s address mismatch", b.Name)
		}
		out = append(out, r)
	}
	if failed {
		return out, ErrCheckFailed
	}
	return out, nil
}

// DeployedResults reads the addresses recorded in the artifacts under
// networkID, the endpoint's net_version.
func (o *Orchestrator) DeployedResults(p Plan, networkID *big.Int) (Results, error) {
	results := Results{}
	for _, s := range p.Steps {
		addr, ok, err := o.artifacts.DeployedAddress(s.Artifact, networkID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%s on network id %s: %w %q", s.Artifact, networkID, ErrUnknownStep, s.Name)
		}
		results[s.Name] = addr
	}
	return results, nil
}

// ChainID checks the endpoint against the network and returns its chain id.
func (o *Orchestrator) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := o.backend.CheckChain(ctx, o.network.Matches)
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", o.network.Name, err)
	}
	return id, nil
}

// NetworkID checks the endpoint against the network and returns its
// net_version, the key of the artifacts' networks map.
func (o *Orchestrator) NetworkID(ctx context.Context) (*big.Int, error) {
	if _, err := o.ChainID(ctx); err != nil {
		return nil, err
	}
	id, err := o.backend.NetworkID(ctx)
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", o.network.Name, err)
	}
	return id, nil
}

// Verify submits the sources of the plan's deployed contracts. only, when
// non-empty, restricts it to those artifact names. Constructor arguments
// come from the most recent succeeded run in the ledger.
func (o *Orchestrator) Verify(ctx context.Context, p Plan, v Verifier, only ...string) error {
	chainID, err := o.ChainID(ctx)
	if err != nil {
		return err
	}
	if o.ledger == nil {
		return ErrNoLedger
	}
	last, err := o.ledger.LastSucceeded(ctx, o.network.Name, chainID.String(), p.Name)
	if err != nil {
		return err
	}
	if last == nil {
		return fmt.Errorf("no succeeded %s run on %s to verify", p.Name, o.network.Name)
	}
	rep, err := o.ledger.Report(ctx, last.ID)
	if err != nil {
		return err
	}

	deployed := map[string]bool{}
	for _, d := range rep.Deployments {
		deployed[d.Contract] = true
	}
	want := map[string]bool{}
	for _, name := range only {
		if !deployed[name] {
			return fmt.Errorf("%s: %w %s", name, ErrNotDeployed, last.ID)
		}
		want[name] = true
	}
	for _, d := range rep.Deployments {
		if len(want) > 0 && !want[d.Contract] {
			continue
		}
		a, err := o.artifacts.Load(d.Contract)
		if err != nil {
			return err
		}
		encoded, err := hexutil.Decode(d.EncodedArgs)
		if err != nil {
			return fmt.Errorf("%s: decode constructor args: %w", d.Contract, err)
		}
		err = v.Verify(ctx, verify.Request{
			Contract:        d.Contract,
			Address:         common.HexToAddress(d.Address),
			Source:          a.Source,
			CompilerVersion: a.Compiler.Version,
			ConstructorArgs: encoded,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func renderArgs(args []interface{}) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		switch v := a.(type) {
		case common.Address:
			out = append(out, v.Hex())
		default:
			out = append(out, fmt.Sprint(v))
		}
	}
	return out
}
