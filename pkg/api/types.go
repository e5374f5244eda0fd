package api

import "time"

// v0 contains public report types for tooling that reads migration results.

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is one execution of a plan against a network.
type Run struct {
	ID          string     `json:"id" yaml:"id"`
	Network     string     `json:"network" yaml:"network"`
	ChainID     string     `json:"chain_id" yaml:"chain_id"`
	Plan        string     `json:"plan" yaml:"plan"`
	Deployer    string     `json:"deployer" yaml:"deployer"`
	Status      RunStatus  `json:"status" yaml:"status"`
	CurrentStep int        `json:"current_step" yaml:"current_step"`
	FailedStep  string     `json:"failed_step,omitempty" yaml:"failed_step,omitempty"`
	Error       string     `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// DeploymentRecord is a contract created by a run.
type DeploymentRecord struct {
	Step        string   `json:"step" yaml:"step"`
	Contract    string   `json:"contract" yaml:"contract"`
	Address     string   `json:"address" yaml:"address"`
	TxHash      string   `json:"tx_hash" yaml:"tx_hash"`
	BlockNumber uint64   `json:"block_number" yaml:"block_number"`
	GasUsed     uint64   `json:"gas_used" yaml:"gas_used"`
	Args        []string `json:"args" yaml:"args"`
	EncodedArgs string   `json:"encoded_args" yaml:"encoded_args"`
}

// BindingRecord is a setter transaction sent by a run.
type BindingRecord struct {
	Name        string `json:"name" yaml:"name"`
	Target      string `json:"target" yaml:"target"`
	Method      string `json:"method" yaml:"method"`
	Arg         string `json:"arg" yaml:"arg"`
	TxHash      string `json:"tx_hash" yaml:"tx_hash"`
	BlockNumber uint64 `json:"block_number" yaml:"block_number"`
	GasUsed     uint64 `json:"gas_used" yaml:"gas_used"`
}

// Report is a run together with everything it sent.
type Report struct {
	Run         Run                `json:"run" yaml:"run"`
	Deployments []DeploymentRecord `json:"deployments" yaml:"deployments"`
	Bindings    []BindingRecord    `json:"bindings" yaml:"bindings"`
}

// PreviewStep is the dry-run prediction for one deployment.
type PreviewStep struct {
	Step     string `json:"step" yaml:"step"`
	Contract string `json:"contract" yaml:"contract"`
	Nonce    uint64 `json:"nonce" yaml:"nonce"`
	Address  string `json:"predicted_address" yaml:"predicted_address"`
	Gas      uint64 `json:"estimated_gas" yaml:"estimated_gas"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// CheckResult compares an on-chain getter with the address a binding set.
type CheckResult struct {
	Binding  string `json:"binding" yaml:"binding"`
	Getter   string `json:"getter" yaml:"getter"`
	Expected string `json:"expected" yaml:"expected"`
	Actual   string `json:"actual" yaml:"actual"`
	OK       bool   `json:"ok" yaml:"ok"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}
