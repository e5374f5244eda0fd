// Package artifacts loads compiled contract definitions produced by truffle,
// hardhat or foundry and records deployed addresses back into them.
package artifacts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrNotFound = errors.New("artifact not found")
	ErrUnlinked = errors.New("bytecode contains unlinked library references")
	ErrNoCode   = errors.New("artifact has no creation bytecode")
)

// Artifact is a compiled contract definition.
type Artifact struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     Bytecode        `json:"bytecode"`
	Source       string          `json:"source,omitempty"`
	SourcePath   string          `json:"sourcePath,omitempty"`
	Compiler     Compiler        `json:"compiler"`

	path   string
	parsed abi.ABI
}

// Compiler is the compiler stanza truffle writes into each artifact.
type Compiler struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Bytecode accepts both "0x6080..." and {"object": "0x6080..."} encodings.
type Bytecode struct {
	hex string
}

func (b *Bytecode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		b.hex = s
		return nil
	}
	var obj struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		b.hex = obj.Object
		return nil
	}
	return fmt.Errorf("bytecode must be a string or object with 'object' field")
}

func (b Bytecode) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.hex)
}

func (b Bytecode) String() string { return b.hex }

// Parse decodes an artifact document and its ABI.
func Parse(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if len(a.ABI) == 0 {
		return nil, fmt.Errorf("artifact %s: missing abi", a.ContractName)
	}
	parsed, err := abi.JSON(bytes.NewReader(a.ABI))
	if err != nil {
		return nil, fmt.Errorf("artifact %s: parse abi: %w", a.ContractName, err)
	}
	a.parsed = parsed
	return &a, nil
}

// Path is the file the artifact was loaded from, empty for in-memory artifacts.
func (a *Artifact) Path() string { return a.path }

// HasMethod reports whether the ABI declares a method with that name.
func (a *Artifact) HasMethod(name string) bool {
	_, ok := a.parsed.Methods[name]
	return ok
}

// Code returns the creation bytecode.
func (a *Artifact) Code() ([]byte, error) {
	h := strings.TrimSpace(a.Bytecode.hex)
	if h == "" || h == "0x" {
		return nil, fmt.Errorf("%s: %w", a.ContractName, ErrNoCode)
	}
	if strings.Contains(h, "__") {
		return nil, fmt.Errorf("%s: %w", a.ContractName, ErrUnlinked)
	}
	if !strings.HasPrefix(h, "0x") {
		h = "0x" + h
	}
	code, err := hexutil.Decode(h)
	if err != nil {
		return nil, fmt.Errorf("%s: decode bytecode: %w", a.ContractName, err)
	}
	return code, nil
}

// PackConstructor ABI-encodes constructor arguments.
func (a *Artifact) PackConstructor(args ...interface{}) ([]byte, error) {
	packed, err := a.parsed.Pack("", args...)
	if err != nil {
		return nil, fmt.Errorf("%s: encode constructor args: %w", a.ContractName, err)
	}
	return packed, nil
}

// DeployData is the creation bytecode followed by the encoded constructor arguments.
func (a *Artifact) DeployData(args ...interface{}) ([]byte, error) {
	code, err := a.Code()
	if err != nil {
		return nil, err
	}
	packed, err := a.PackConstructor(args...)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, len(code)+len(packed))
	data = append(data, code...)
	return append(data, packed...), nil
}

// Pack encodes a method call.
func (a *Artifact) Pack(method string, args ...interface{}) ([]byte, error) {
	if !a.HasMethod(method) {
		return nil, fmt.Errorf("%s: no method %q in abi", a.ContractName, method)
	}
	data, err := a.parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: encode args: %w", a.ContractName, method, err)
	}
	return data, nil
}

// Unpack decodes a method's return data.
func (a *Artifact) Unpack(method string, data []byte) ([]interface{}, error) {
	out, err := a.parsed.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: decode result: %w", a.ContractName, method, err)
	}
	return out, nil
}
