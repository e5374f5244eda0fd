package networks

// Canonical WETH9 deployments used as the oracle's reference token.
const (
	MainnetWETH = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	KovanWETH   = "0xd0A1E359811322d97991E03f863a0C30C2cF029C"
	RopstenWETH = "0xc778417E063141139Fce010982780140Aa0cD5Ab"
)

// Defaults returns the built-in network table used when the config file names none.
func Defaults() map[string]Network {
	return map[string]Network{
		"development": {
			Name:      "development",
			Host:      "localhost",
			Port:      8545,
			NetworkID: AnyNetworkID,
		},
		"kovan": {
			Name:           "kovan",
			URL:            "https://kovan.infura.io/${API_KEY}",
			NetworkID:      "42",
			Gas:            8000000,
			ReferenceToken: KovanWETH,
			EtherscanAPI:   "https://api-kovan.etherscan.io/api",
		},
		"ropsten": {
			Name:           "ropsten",
			URL:            "https://ropsten.infura.io/v3/${API_KEY}",
			NetworkID:      "3",
			Gas:            7000000,
			GasPrice:       15000000000, // 15 gwei
			SkipDryRun:     true,
			ReferenceToken: RopstenWETH,
			EtherscanAPI:   "https://api-ropsten.etherscan.io/api",
		},
		"mainnet": {
			Name:           "mainnet",
			URL:            "https://mainnet.infura.io/v3/${API_KEY}",
			NetworkID:      "1",
			Gas:            7000000,
			ReferenceToken: MainnetWETH,
			EtherscanAPI:   "https://api.etherscan.io/api",
		},
	}
}
