package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Store resolves artifacts by contract name from a build directory.
type Store struct {
	dir   string
	mu    sync.Mutex
	cache map[string]*Artifact
}

func NewStore(dir string) *Store {
	return &Store{dir: dir, cache: map[string]*Artifact{}}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load reads <dir>/<name>.json.
func (s *Store) Load(name string) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.cache[name]; ok {
		return a, nil
	}
	p := s.path(name)
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s in %s: %w", name, s.dir, ErrNotFound)
		}
		return nil, fmt.Errorf("read artifact %s: %w", name, err)
	}
	a, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	if a.ContractName == "" {
		a.ContractName = name
	}
	a.path = p
	s.cache[name] = a
	return a, nil
}

// Resolve loads every named artifact, failing on the first one missing.
func (s *Store) Resolve(names ...string) (map[string]*Artifact, error) {
	out := make(map[string]*Artifact, len(names))
	for _, name := range names {
		a, err := s.Load(name)
		if err != nil {
			return nil, err
		}
		if _, err := a.Code(); err != nil {
			return nil, err
		}
		out[name] = a
	}
	return out, nil
}

// RecordDeployment writes the deployed address into the artifact's networks
// map under networkID (the node's net_version, as truffle keys it), leaving
// every other key of the document untouched.
func (s *Store) RecordDeployment(name string, networkID *big.Int, addr common.Address, txHash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.path(name)
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("read artifact %s: %w", name, err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode artifact %s: %w", name, err)
	}

	nets := map[string]map[string]json.RawMessage{}
	if raw, ok := doc["networks"]; ok && len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &nets); err != nil {
			return fmt.Errorf("decode %s networks: %w", name, err)
		}
	}
	key := networkID.String()
	entry := nets[key]
	if entry == nil {
		entry = map[string]json.RawMessage{}
	}
	entry["address"], _ = json.Marshal(addr.Hex())
	entry["transactionHash"], _ = json.Marshal(txHash.Hex())
	if _, ok := entry["events"]; !ok {
		entry["events"] = json.RawMessage(`{}`)
	}
	if _, ok := entry["links"]; !ok {
		entry["links"] = json.RawMessage(`{}`)
	}
	nets[key] = entry

	if doc["networks"], err = json.Marshal(nets); err != nil {
		return err
	}
	doc["updatedAt"], _ = json.Marshal(time.Now().UTC().Format(time.RFC3339Nano))

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", name, err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("replace artifact %s: %w", name, err)
	}
	return nil
}

// DeployedAddress returns the address recorded for networkID, if any.
func (s *Store) DeployedAddress(name string, networkID *big.Int) (common.Address, bool, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return common.Address{}, false, fmt.Errorf("read artifact %s: %w", name, err)
	}
	var doc struct {
		Networks map[string]struct {
			Address string `json:"address"`
		} `json:"networks"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return common.Address{}, false, fmt.Errorf("decode artifact %s: %w", name, err)
	}
	n, ok := doc.Networks[networkID.String()]
	if !ok || !common.IsHexAddress(n.Address) {
		return common.Address{}, false, nil
	}
	return common.HexToAddress(n.Address), true, nil
}
