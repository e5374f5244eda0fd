package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/3cpo-dev/unimigrate/internal/artifacts"
	"github.com/3cpo-dev/unimigrate/internal/chain"
	"github.com/3cpo-dev/unimigrate/internal/networks"
	"github.com/3cpo-dev/unimigrate/internal/telemetry"
	"github.com/3cpo-dev/unimigrate/internal/verify"
	"github.com/3cpo-dev/unimigrate/pkg/api"
)

var getterFor = map[string]string{
	"setPositionAddress":            "positionsAddress",
	"setOracleAddress":              "oracleAddress",
	"setDefaultInterestRateAddress": "defaultInterestRateAddress",
}

type deployCall struct {
	contract string
	args     []interface{}
}

type txCall struct {
	to     common.Address
	method string
	args   []interface{}
}

// MockChain is an in-memory Backend that mines everything instantly.
type MockChain struct {
	from    common.Address
	chainID *big.Int
	netID   *big.Int // net_version; chainID when nil
	nonce   uint64
	code    map[common.Address]bool
	storage map[common.Address]map[string]common.Address

	deploys []deployCall
	txs     []txCall

	failDeploy string
	failMethod string
}

func NewMockChain(chainID int64) *MockChain {
	return &MockChain{
		from:    common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
		chainID: big.NewInt(chainID),
		code:    map[common.Address]bool{},
		storage: map[common.Address]map[string]common.Address{},
	}
}

func (m *MockChain) From() common.Address { return m.from }

func (m *MockChain) CheckChain(_ context.Context, match func(*big.Int) bool) (*big.Int, error) {
	if !match(m.chainID) {
		return m.chainID, fmt.Errorf("%w: chain id %s", chain.ErrWrongChain, m.chainID)
	}
	return m.chainID, nil
}

func (m *MockChain) NetworkID(context.Context) (*big.Int, error) {
	if m.netID != nil {
		return m.netID, nil
	}
	return m.chainID, nil
}

func (m *MockChain) NextNonce(context.Context) (uint64, error) { return m.nonce, nil }

func (m *MockChain) EstimateDeploy(_ context.Context, a *artifacts.Artifact, args ...interface{}) (uint64, error) {
	if _, err := a.DeployData(args...); err != nil {
		return 0, err
	}
	return 1_000_000, nil
}

func (m *MockChain) Deploy(_ context.Context, a *artifacts.Artifact, args ...interface{}) (*chain.Deployment, error) {
	m.deploys = append(m.deploys, deployCall{contract: a.ContractName, args: args})
	if a.ContractName == m.failDeploy {
		m.nonce++
		return nil, fmt.Errorf("deploy %s: tx 0x01: %w", a.ContractName, chain.ErrReverted)
	}
	encoded, err := a.PackConstructor(args...)
	if err != nil {
		return nil, err
	}
	addr := crypto.CreateAddress(m.from, m.nonce)
	m.nonce++
	m.code[addr] = true
	return &chain.Deployment{
		Contract:    a.ContractName,
		Address:     addr,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(m.nonce)),
		BlockNumber: m.nonce,
		GasUsed:     100_000,
		Args:        args,
		EncodedArgs: encoded,
	}, nil
}

func (m *MockChain) Transact(_ context.Context, to common.Address, a *artifacts.Artifact, method string, args ...interface{}) (*types.Receipt, error) {
	m.txs = append(m.txs, txCall{to: to, method: method, args: args})
	m.nonce++
	if method == m.failMethod {
		return nil, fmt.Errorf("%s.%s: %w", a.ContractName, method, chain.ErrReverted)
	}
	if m.storage[to] == nil {
		m.storage[to] = map[string]common.Address{}
	}
	m.storage[to][getterFor[method]] = args[0].(common.Address)
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(m.nonce)),
		BlockNumber: new(big.Int).SetUint64(m.nonce),
		GasUsed:     45_000,
	}, nil
}

func (m *MockChain) CallAddress(_ context.Context, to common.Address, _ *artifacts.Artifact, method string) (common.Address, error) {
	return m.storage[to][method], nil
}

func (m *MockChain) HasCode(_ context.Context, addr common.Address) (bool, error) {
	return m.code[addr], nil
}

type fixture struct {
	chain     *MockChain
	artifacts *artifacts.Store
	dir       string
	ledger    *Store
	network   networks.Network
	metrics   *telemetry.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join("..", "artifacts", "testdata")
	entries, err := os.ReadDir(src)
	if err != nil {
		t.Fatalf("read fixtures: %v", err)
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dir, e.Name()), data, 0o644); err != nil {
			t.Fatalf("write %s: %v", e.Name(), err)
		}
	}
	ledger, err := NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	return &fixture{
		chain:     NewMockChain(1337),
		artifacts: artifacts.NewStore(dir),
		dir:       dir,
		ledger:    ledger,
		network: networks.Network{
			Name:           "development",
			Host:           "localhost",
			Port:           8545,
			NetworkID:      networks.AnyNetworkID,
			ReferenceToken: networks.MainnetWETH,
		},
		metrics: telemetry.NewCollector(true),
	}
}

func (f *fixture) orchestrator(reset bool) *Orchestrator {
	return NewOrchestrator(f.chain, f.artifacts, f.ledger, Options{Network: f.network, Reset: reset, Metrics: f.metrics})
}

func mustPlan(t *testing.T, name, ref string) Plan {
	t.Helper()
	p, err := NewPlan(name, ref)
	if err != nil {
		t.Fatalf("NewPlan(%s): %v", name, err)
	}
	return p
}

func TestRunV2DeploysInOrderAndBinds(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(false)
	ctx := context.Background()

	out, err := o.Run(ctx, mustPlan(t, PlanV2, networks.MainnetWETH))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantOrder := []string{ArtifactPool, ArtifactCore, ArtifactRateModel, ArtifactOracle, ArtifactPosition}
	if len(f.chain.deploys) != len(wantOrder) {
		t.Fatalf("Expected %d deployments, got %d", len(wantOrder), len(f.chain.deploys))
	}
	for i, want := range wantOrder {
		if got := f.chain.deploys[i].contract; got != want {
			t.Errorf("Deployment %d: expected %s, got %s", i, want, got)
		}
	}

	r := out.Results
	if got := f.chain.deploys[1].args[0]; got != r[StepPool] {
		t.Errorf("Core constructor got %v, want pool %s", got, r[StepPool].Hex())
	}
	if got := f.chain.deploys[3].args[0]; got != common.HexToAddress(networks.MainnetWETH) {
		t.Errorf("Oracle constructor got %v, want reference token", got)
	}
	if got := f.chain.deploys[4].args[0]; got != r[StepCore] {
		t.Errorf("Position constructor got %v, want core %s", got, r[StepCore].Hex())
	}

	wantTx := []struct {
		method string
		arg    common.Address
	}{
		{"setPositionAddress", r[StepPosition]},
		{"setOracleAddress", r[StepOracle]},
		{"setDefaultInterestRateAddress", r[StepInterestRate]},
	}
	if len(f.chain.txs) != len(wantTx) {
		t.Fatalf("Expected %d setter calls, got %d", len(wantTx), len(f.chain.txs))
	}
	for i, want := range wantTx {
		tx := f.chain.txs[i]
		if tx.to != r[StepCore] || tx.method != want.method || tx.args[0] != want.arg {
			t.Errorf("Setter %d: got %s(%v) on %s, want %s(%s) on core", i, tx.method, tx.args, tx.to.Hex(), want.method, want.arg.Hex())
		}
	}

	if st := o.State(); st.Phase != PhaseComplete || st.RunID != out.Run.ID {
		t.Errorf("Expected complete state for run %s, got %+v", out.Run.ID, st)
	}

	checks, err := o.Check(ctx, mustPlan(t, PlanV2, networks.MainnetWETH), r)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(checks) != 3 {
		t.Errorf("Expected 3 checks, got %d", len(checks))
	}

	rep, err := f.ledger.Report(ctx, out.Run.ID)
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if rep.Run.Status != api.RunSucceeded || len(rep.Deployments) != 5 || len(rep.Bindings) != 3 {
		t.Errorf("Unexpected ledger report: status=%s deployments=%d bindings=%d", rep.Run.Status, len(rep.Deployments), len(rep.Bindings))
	}
	if rep.Deployments[1].Args[0] != r[StepPool].Hex() {
		t.Errorf("Ledger core args = %v", rep.Deployments[1].Args)
	}

	addr, ok, err := f.artifacts.DeployedAddress(ArtifactPosition, big.NewInt(1337))
	if err != nil || !ok || addr != r[StepPosition] {
		t.Errorf("Position address not recorded in artifact: %s %v %v", addr.Hex(), ok, err)
	}

	if got := f.metrics.Sum(telemetry.Transactions); got != 8 {
		t.Errorf("Expected 8 transactions in metrics, got %v", got)
	}
	var progress float64
	for _, m := range f.metrics.Metrics() {
		if m.Name == telemetry.StepsCompleted {
			progress = m.Value
		}
	}
	if progress != 8 {
		t.Errorf("Expected steps_completed gauge at 8, got %v", progress)
	}
}

func TestRunV1UsesPoolAsReferenceToken(t *testing.T) {
	f := newFixture(t)
	out, err := f.orchestrator(false).Run(context.Background(), mustPlan(t, PlanV1, ""))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := f.chain.deploys[3].args[0]; got != out.Results[StepPool] {
		t.Errorf("Oracle constructor got %v, want pool address", got)
	}
	if len(f.chain.txs) != 2 {
		t.Errorf("Expected 2 setter calls, got %d", len(f.chain.txs))
	}
	for _, tx := range f.chain.txs {
		if tx.method == "setDefaultInterestRateAddress" {
			t.Errorf("v1 must not bind a default interest rate model")
		}
	}
}

func TestDeployFailureAbortsRemainingSteps(t *testing.T) {
	f := newFixture(t)
	f.chain.failDeploy = ArtifactOracle
	o := f.orchestrator(false)

	_, err := o.Run(context.Background(), mustPlan(t, PlanV2, networks.MainnetWETH))
	var serr *StepError
	if !errors.As(err, &serr) {
		t.Fatalf("Expected *StepError, got %v", err)
	}
	if serr.Kind != KindDeploy || serr.Step != StepOracle {
		t.Errorf("Expected deploy failure at oracle, got %s at %s", serr.Kind, serr.Step)
	}
	if !errors.Is(err, chain.ErrReverted) {
		t.Errorf("Expected ErrReverted in chain, got %v", err)
	}
	if len(f.chain.deploys) != 4 {
		t.Errorf("Expected 4 deployment attempts, got %d", len(f.chain.deploys))
	}
	if len(f.chain.txs) != 0 {
		t.Errorf("Expected no setter calls after abort, got %d", len(f.chain.txs))
	}
	if st := o.State(); st.Phase != PhaseAborted || st.Step != StepOracle {
		t.Errorf("Expected aborted at oracle, got %+v", st)
	}

	runs, err := f.ledger.Runs(context.Background(), "development", 10)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != api.RunFailed || runs[0].FailedStep != StepOracle || runs[0].CurrentStep != 3 {
		t.Errorf("Unexpected ledger state: %+v", runs)
	}
}

func TestBindingFailureAbortsRemainingBindings(t *testing.T) {
	f := newFixture(t)
	f.chain.failMethod = "setOracleAddress"

	_, err := f.orchestrator(false).Run(context.Background(), mustPlan(t, PlanV2, networks.MainnetWETH))
	var serr *StepError
	if !errors.As(err, &serr) {
		t.Fatalf("Expected *StepError, got %v", err)
	}
	if serr.Kind != KindBind || serr.Step != "Oracle" {
		t.Errorf("Expected bind failure at Oracle, got %s at %s", serr.Kind, serr.Step)
	}
	if len(f.chain.txs) != 2 {
		t.Errorf("Expected the default interest rate setter to be skipped, got %d setter calls", len(f.chain.txs))
	}
}

func TestMissingArtifactSendsNothing(t *testing.T) {
	f := newFixture(t)
	if err := os.Remove(filepath.Join(f.dir, ArtifactPosition+".json")); err != nil {
		t.Fatal(err)
	}

	_, err := f.orchestrator(false).Run(context.Background(), mustPlan(t, PlanV2, networks.MainnetWETH))
	var cerr *ConfigError
	if !errors.As(err, &cerr) || !errors.Is(err, artifacts.ErrNotFound) {
		t.Fatalf("Expected ConfigError wrapping ErrNotFound, got %v", err)
	}
	if len(f.chain.deploys) != 0 {
		t.Errorf("Expected no deployments, got %d", len(f.chain.deploys))
	}
}

func TestWrongChainSendsNothing(t *testing.T) {
	f := newFixture(t)
	f.network.NetworkID = "42"

	_, err := f.orchestrator(false).Run(context.Background(), mustPlan(t, PlanV2, networks.MainnetWETH))
	if !errors.Is(err, chain.ErrWrongChain) {
		t.Fatalf("Expected ErrWrongChain, got %v", err)
	}
	if len(f.chain.deploys) != 0 {
		t.Errorf("Expected no deployments, got %d", len(f.chain.deploys))
	}
}

func TestCompletedRunIsSkippedUnlessReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := mustPlan(t, PlanV2, networks.MainnetWETH)

	first, err := f.orchestrator(false).Run(ctx, p)
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}

	second, err := f.orchestrator(false).Run(ctx, p)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if !second.Skipped || second.Run.ID != first.Run.ID {
		t.Errorf("Expected second run to be skipped, got %+v", second.Run)
	}
	if second.Results[StepCore] != first.Results[StepCore] {
		t.Errorf("Skipped run should report the recorded addresses")
	}
	if len(f.chain.deploys) != 5 {
		t.Errorf("Expected no new deployments, got %d total", len(f.chain.deploys))
	}

	third, err := f.orchestrator(true).Run(ctx, p)
	if err != nil {
		t.Fatalf("reset Run failed: %v", err)
	}
	if third.Skipped || len(f.chain.deploys) != 10 {
		t.Errorf("Expected reset to redeploy, skipped=%v deploys=%d", third.Skipped, len(f.chain.deploys))
	}
}

func TestStaleLedgerRedeploys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := mustPlan(t, PlanV2, networks.MainnetWETH)
	if _, err := f.orchestrator(false).Run(ctx, p); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// the development node was restarted
	f.chain.code = map[common.Address]bool{}

	out, err := f.orchestrator(false).Run(ctx, p)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Skipped || len(f.chain.deploys) != 10 {
		t.Errorf("Expected redeploy on a stale ledger, skipped=%v deploys=%d", out.Skipped, len(f.chain.deploys))
	}
}

func TestPreviewPredictsAddresses(t *testing.T) {
	f := newFixture(t)
	f.chain.nonce = 7
	o := f.orchestrator(false)

	steps, err := o.Preview(context.Background(), mustPlan(t, PlanV2, networks.MainnetWETH))
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if len(steps) != 5 {
		t.Fatalf("Expected 5 preview steps, got %d", len(steps))
	}
	for i, s := range steps {
		want := crypto.CreateAddress(f.chain.from, 7+uint64(i)).Hex()
		if s.Address != want || s.Nonce != 7+uint64(i) {
			t.Errorf("Step %s: predicted %s at nonce %d, want %s", s.Step, s.Address, s.Nonce, want)
		}
		if s.Error != "" || s.Gas == 0 {
			t.Errorf("Step %s: unexpected estimate %d / %q", s.Step, s.Gas, s.Error)
		}
	}
	if len(f.chain.deploys) != 0 || len(f.chain.txs) != 0 {
		t.Errorf("Preview must not send transactions")
	}

	// A real run from the same nonce lands on the predicted addresses.
	out, err := o.Run(context.Background(), mustPlan(t, PlanV2, networks.MainnetWETH))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, s := range steps {
		if out.Results[s.Step].Hex() != s.Address {
			t.Errorf("Step %s deployed at %s, predicted %s", s.Step, out.Results[s.Step].Hex(), s.Address)
		}
	}
}

func TestCheckDetectsMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := mustPlan(t, PlanV2, networks.MainnetWETH)
	o := f.orchestrator(false)
	out, err := o.Run(ctx, p)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	f.chain.storage[out.Results[StepCore]]["oracleAddress"] = common.HexToAddress("0xdead")

	checks, err := o.Check(ctx, p, out.Results)
	if !errors.Is(err, ErrCheckFailed) {
		t.Fatalf("Expected ErrCheckFailed, got %v", err)
	}
	for _, c := range checks {
		if c.Getter == "oracleAddress" && c.OK {
			t.Errorf("oracleAddress should not match")
		}
		if c.Getter == "positionsAddress" && !c.OK {
			t.Errorf("positionsAddress should match")
		}
	}
}

func TestCheckFailsWhenGettersMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := mustPlan(t, PlanV2, networks.MainnetWETH)
	out, err := f.orchestrator(false).Run(ctx, p)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// rebuild the Core artifact with only its setters
	path := filepath.Join(f.dir, ArtifactCore+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	var setters []interface{}
	for _, entry := range doc["abi"].([]interface{}) {
		name, _ := entry.(map[string]interface{})["name"].(string)
		if _, setter := getterFor[name]; setter || name == "" {
			setters = append(setters, entry)
		}
	}
	doc["abi"] = setters
	if data, err = json.Marshal(doc); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	o := NewOrchestrator(f.chain, artifacts.NewStore(f.dir), f.ledger, Options{Network: f.network, Metrics: f.metrics})
	checks, err := o.Check(ctx, p, out.Results)
	if !errors.Is(err, ErrCheckFailed) {
		t.Fatalf("Expected ErrCheckFailed, got %v", err)
	}
	if len(checks) != len(p.Bindings) {
		t.Fatalf("Expected a result per binding, got %d", len(checks))
	}
	for _, c := range checks {
		if c.OK || c.Error == "" {
			t.Errorf("Binding %s should report the missing getter, got %+v", c.Binding, c)
		}
	}
}

func TestDeployedResultsFromArtifacts(t *testing.T) {
	f := newFixture(t)
	p := mustPlan(t, PlanV2, networks.MainnetWETH)
	o := f.orchestrator(false)

	if _, err := o.DeployedResults(p, big.NewInt(1337)); !errors.Is(err, ErrUnknownStep) {
		t.Errorf("Expected ErrUnknownStep before any deployment, got %v", err)
	}

	out, err := o.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	got, err := o.DeployedResults(p, big.NewInt(1337))
	if err != nil {
		t.Fatalf("DeployedResults failed: %v", err)
	}
	for step, addr := range out.Results {
		if got[step] != addr {
			t.Errorf("Step %s: artifacts say %s, run deployed %s", step, got[step].Hex(), addr.Hex())
		}
	}
}

func TestArtifactsKeyedByNetworkID(t *testing.T) {
	f := newFixture(t)
	f.chain.netID = big.NewInt(5777) // ganache: net_version differs from chain id
	ctx := context.Background()
	p := mustPlan(t, PlanV1, "")
	o := f.orchestrator(false)

	out, err := o.Run(ctx, p)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, ok, _ := f.artifacts.DeployedAddress(ArtifactCore, big.NewInt(1337)); ok {
		t.Error("Artifacts should not be keyed by chain id")
	}
	netID, err := o.NetworkID(ctx)
	if err != nil || netID.Int64() != 5777 {
		t.Fatalf("Expected network id 5777, got %v, %v", netID, err)
	}
	got, err := o.DeployedResults(p, netID)
	if err != nil {
		t.Fatalf("DeployedResults failed: %v", err)
	}
	if got[StepCore] != out.Results[StepCore] {
		t.Errorf("Core: artifacts say %s, run deployed %s", got[StepCore].Hex(), out.Results[StepCore].Hex())
	}
}

type recordingVerifier struct{ reqs []verify.Request }

func (v *recordingVerifier) Verify(_ context.Context, req verify.Request) error {
	v.reqs = append(v.reqs, req)
	return nil
}

func TestVerifyUsesRecordedConstructorArgs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := mustPlan(t, PlanV2, networks.MainnetWETH)
	o := f.orchestrator(false)
	out, err := o.Run(ctx, p)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	v := &recordingVerifier{}
	if err := o.Verify(ctx, p, v, ArtifactCore, ArtifactPool); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(v.reqs) != 2 {
		t.Fatalf("Expected 2 verification requests, got %d", len(v.reqs))
	}
	core := v.reqs[1]
	if core.Contract != ArtifactCore || core.Address != out.Results[StepCore] {
		t.Errorf("Unexpected core request: %+v", core)
	}
	if string(core.ConstructorArgs) != string(common.LeftPadBytes(out.Results[StepPool].Bytes(), 32)) {
		t.Errorf("Core constructor args = %x", core.ConstructorArgs)
	}
	if core.Source == "" || core.CompilerVersion == "" {
		t.Errorf("Expected source and compiler from the artifact")
	}
	if len(v.reqs[0].ConstructorArgs) != 0 {
		t.Errorf("Pool takes no constructor args, got %x", v.reqs[0].ConstructorArgs)
	}
}

func TestVerifyRejectsUnknownContract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := mustPlan(t, PlanV2, networks.MainnetWETH)
	o := f.orchestrator(false)
	if _, err := o.Run(ctx, p); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	v := &recordingVerifier{}
	err := o.Verify(ctx, p, v, ArtifactPool, "UnilendV2Cor")
	if !errors.Is(err, ErrNotDeployed) {
		t.Fatalf("Expected ErrNotDeployed, got %v", err)
	}
	if len(v.reqs) != 0 {
		t.Errorf("Nothing should be submitted when a name is unknown, got %d requests", len(v.reqs))
	}
}

func TestUnknownStepInArgs(t *testing.T) {
	_, err := addressOf(StepCore)(Results{})
	if !errors.Is(err, ErrUnknownStep) {
		t.Errorf("Expected ErrUnknownStep, got %v", err)
	}
}

func TestPlanV2ReferenceToken(t *testing.T) {
	_, err := NewPlan(PlanV2, "weth")
	var cerr *ConfigError
	if !errors.As(err, &cerr) || cerr.Field != "reference_token" {
		t.Errorf("Expected reference_token ConfigError, got %v", err)
	}
	if _, err := NewPlan("v3", ""); !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("Expected ErrUnknownPlan, got %v", err)
	}

	p := mustPlan(t, PlanV2, networks.KovanWETH)
	oracle, _ := p.Step(StepOracle)
	args, err := oracle.Args(Results{})
	if err != nil || len(args) != 1 || args[0] != common.HexToAddress(networks.KovanWETH) {
		t.Errorf("Expected kovan WETH as reference token, got %v, %v", args, err)
	}
}

func TestDefaultConfigBuildsDefaultPlan(t *testing.T) {
	cfg := DefaultConfig()
	dev, err := cfg.Registry().Get("development")
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPlan(cfg.Plan, dev.ReferenceToken)
	if err != nil {
		t.Fatalf("Default plan on the development network failed: %v", err)
	}
	oracle, _ := p.Step(StepOracle)
	args, err := oracle.Args(Results{})
	if err != nil || len(args) != 1 || args[0] != common.HexToAddress(networks.MainnetWETH) {
		t.Errorf("Expected canonical WETH as reference token, got %v, %v", args, err)
	}
	if len(p.Bindings) != 3 {
		t.Errorf("Expected the v2 bindings, got %d", len(p.Bindings))
	}
}

func TestPlanArtifacts(t *testing.T) {
	p := mustPlan(t, PlanV1, "")
	got := p.Artifacts()
	want := []string{ArtifactPool, ArtifactCore, ArtifactRateModel, ArtifactOracle, ArtifactPosition}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Artifacts() = %v, want %v", got, want)
	}
}
