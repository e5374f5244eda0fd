package networks

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
)

// AnyNetworkID matches whatever chain the endpoint reports.
const AnyNetworkID = "*"

// Network is a named EVM endpoint that migrations can target.
type Network struct {
	Name string `yaml:"-"`
	// Host and Port address a local node whose unlocked accounts sign.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// URL addresses a remote provider; ${API_KEY} is expanded at dial time.
	URL            string `yaml:"url"`
	NetworkID      string `yaml:"network_id"`
	Gas            uint64 `yaml:"gas"`
	GasPrice       uint64 `yaml:"gas_price"`
	SkipDryRun     bool   `yaml:"skip_dry_run"`
	Confirmations  uint64 `yaml:"confirmations"`
	ReferenceToken string `yaml:"reference_token"`
	EtherscanAPI   string `yaml:"etherscan_api"`
}

// Local reports whether the network is a host:port node rather than a hosted provider.
func (n Network) Local() bool { return n.URL == "" }

// Endpoint returns the JSON-RPC URL for the network.
func (n Network) Endpoint(apiKey string) (string, error) {
	if n.Local() {
		host := n.Host
		if host == "" {
			host = "localhost"
		}
		port := n.Port
		if port == 0 {
			port = 8545
		}
		return fmt.Sprintf("http://%s:%d", host, port), nil
	}
	var missing bool
	url := os.Expand(n.URL, func(key string) string {
		if key != "API_KEY" {
			return os.Getenv(key)
		}
		if apiKey == "" {
			missing = true
		}
		return apiKey
	})
	if missing {
		return "", fmt.Errorf("network %s: url needs API_KEY but it is not set", n.Name)
	}
	return url, nil
}

// ChainID returns the configured network id, or false when any chain is accepted.
func (n Network) ChainID() (*big.Int, bool) {
	id := strings.TrimSpace(n.NetworkID)
	if id == "" || id == AnyNetworkID {
		return nil, false
	}
	v, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return nil, false
	}
	return new(big.Int).SetUint64(v), true
}

// Matches reports whether a chain id reported by the endpoint is acceptable.
func (n Network) Matches(chainID *big.Int) bool {
	want, ok := n.ChainID()
	if !ok {
		return true
	}
	return chainID != nil && want.Cmp(chainID) == 0
}

// GasPriceWei returns the fixed gas price, or nil when the node should suggest one.
func (n Network) GasPriceWei() *big.Int {
	if n.GasPrice == 0 {
		return nil
	}
	return new(big.Int).SetUint64(n.GasPrice)
}
