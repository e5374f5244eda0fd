// Package verify submits contract sources to an Etherscan-compatible explorer.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/unimigrate/internal/networks"
)

var (
	ErrNoAPIKey  = errors.New("etherscan api key missing; set ETHERSCAN_API_KEY")
	ErrFailed    = errors.New("verification failed")
	ErrNoCommit  = errors.New("compiler version has no commit hash")
	ErrNoAPIURL  = errors.New("network has no etherscan api endpoint")
	errNotListed = errors.New("compiler version not in release list")
)

const (
	DefaultPreamble   = "UniLend Finance V2 Contract"
	DefaultSolcList   = "https://solc-bin.ethereum.org/bin/list.json"
	defaultPoll       = 5 * time.Second
	defaultMaxPolls   = 60
	requestsPerSecond = 4 // free-tier explorer keys allow 5/s
)

// Config selects the explorer and how sources are described to it.
type Config struct {
	APIURL          string
	APIKey          string
	Preamble        string
	CompilerVersion string
	Optimizer       bool
	OptimizerRuns   int
	SolcListURL     string
	PollInterval    time.Duration
	MaxPolls        int
}

// Request is one contract to verify.
type Request struct {
	Contract        string
	Address         common.Address
	Source          string
	CompilerVersion string // from the artifact; overrides Config.CompilerVersion
	ConstructorArgs []byte
}

// Etherscan is a client for the explorer's contract verification API.
type Etherscan struct {
	cfg  Config
	http *networks.RetryableHTTPClient
}

func New(cfg Config) (*Etherscan, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.APIURL == "" {
		return nil, ErrNoAPIURL
	}
	if cfg.Preamble == "" {
		cfg.Preamble = DefaultPreamble
	}
	if cfg.SolcListURL == "" {
		cfg.SolcListURL = DefaultSolcList
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPoll
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = defaultMaxPolls
	}
	return &Etherscan{
		cfg:  cfg,
		http: networks.NewRetryableHTTPClient(30*time.Second, requestsPerSecond),
	}, nil
}

// WithHTTPClient replaces the HTTP client, mostly for tests.
func (e *Etherscan) WithHTTPClient(c *networks.RetryableHTTPClient) *Etherscan {
	e.http = c
	return e
}

type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  string `json:"result"`
}

// Verify submits req and polls until the explorer accepts or rejects it.
// A contract the explorer already knows counts as verified.
func (e *Etherscan) Verify(ctx context.Context, req Request) error {
	version := req.CompilerVersion
	if version == "" {
		version = e.cfg.CompilerVersion
	}
	compiler, err := e.compilerVersion(ctx, version)
	if err != nil {
		return fmt.Errorf("%s: %w", req.Contract, err)
	}

	optimized := "0"
	if e.cfg.Optimizer {
		optimized = "1"
	}
	form := url.Values{}
	form.Set("apikey", e.cfg.APIKey)
	form.Set("module", "contract")
	form.Set("action", "verifysourcecode")
	form.Set("contractaddress", req.Address.Hex())
	form.Set("sourceCode", withPreamble(e.cfg.Preamble, req.Source))
	form.Set("codeformat", "solidity-single-file")
	form.Set("contractname", req.Contract)
	form.Set("compilerversion", compiler)
	form.Set("optimizationUsed", optimized)
	form.Set("runs", strconv.Itoa(e.cfg.OptimizerRuns))
	// the misspelling is the API's
	form.Set("constructorArguements", strings.TrimPrefix(hexutil.Encode(req.ConstructorArgs), "0x"))

	var submitted apiResponse
	if err := e.doJSON(ctx, http.MethodPost, e.cfg.APIURL, form, &submitted); err != nil {
		return fmt.Errorf("%s: submit: %w", req.Contract, err)
	}
	if submitted.Status != "1" {
		if alreadyVerified(submitted.Result) {
			log.Info().Str("contract", req.Contract).Str("address", req.Address.Hex()).Msg("contract source already verified")
			return nil
		}
		return fmt.Errorf("%s: %w: %s", req.Contract, ErrFailed, submitted.Result)
	}

	guid := submitted.Result
	log.Info().Str("contract", req.Contract).Str("guid", guid).Msg("verification submitted")
	return e.poll(ctx, req.Contract, guid)
}

func (e *Etherscan) poll(ctx context.Context, contract, guid string) error {
	q := url.Values{}
	q.Set("apikey", e.cfg.APIKey)
	q.Set("module", "contract")
	q.Set("action", "checkverifystatus")
	q.Set("guid", guid)

	for i := 0; i < e.cfg.MaxPolls; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.PollInterval):
		}

		var status apiResponse
		if err := e.doJSON(ctx, http.MethodGet, e.cfg.APIURL+"?"+q.Encode(), nil, &status); err != nil {
			return fmt.Errorf("%s: check status: %w", contract, err)
		}
		switch {
		case strings.Contains(status.Result, "Pending"):
			log.Debug().Str("contract", contract).Msg("verification pending")
		case strings.HasPrefix(status.Result, "Pass"), alreadyVerified(status.Result):
			log.Info().Str("contract", contract).Msg("contract source verified")
			return nil
		default:
			return fmt.Errorf("%s: %w: %s", contract, ErrFailed, status.Result)
		}
	}
	return fmt.Errorf("%s: %w: still pending after %d checks", contract, ErrFailed, e.cfg.MaxPolls)
}

func alreadyVerified(result string) bool {
	return strings.Contains(strings.ToLower(result), "already verified")
}

func withPreamble(preamble, source string) string {
	if preamble == "" {
		return source
	}
	return "/*\n" + preamble + "\n*/\n\n" + source
}

var fullVersion = regexp.MustCompile(`^v?(\d+\.\d+\.\d+)\+commit\.([0-9a-f]{8})`)

// NormalizeCompilerVersion turns a solc long version such as
// "0.8.2+commit.661d1103.Emscripten.clang" into the explorer's "v0.8.2+commit.661d1103".
func NormalizeCompilerVersion(v string) (string, error) {
	m := fullVersion.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return "", fmt.Errorf("%q: %w", v, ErrNoCommit)
	}
	return "v" + m[1] + "+commit." + m[2], nil
}

// compilerVersion normalizes v, looking the commit up in the solc release
// list when only a bare semver was configured.
func (e *Etherscan) compilerVersion(ctx context.Context, v string) (string, error) {
	if full, err := NormalizeCompilerVersion(v); err == nil {
		return full, nil
	}
	var list struct {
		Releases map[string]string `json:"releases"`
	}
	if err := e.doJSON(ctx, http.MethodGet, e.cfg.SolcListURL, nil, &list); err != nil {
		return "", fmt.Errorf("fetch solc release list: %w", err)
	}
	short := strings.TrimPrefix(strings.TrimSpace(v), "v")
	build, ok := list.Releases[short]
	if !ok {
		return "", fmt.Errorf("%q: %w", v, errNotListed)
	}
	// soljson-v0.8.2+commit.661d1103.js
	return NormalizeCompilerVersion(strings.TrimSuffix(strings.TrimPrefix(build, "soljson-"), ".js"))
}

func (e *Etherscan) doJSON(ctx context.Context, method, endpoint string, form url.Values, out interface{}) error {
	var req *http.Request
	var err error
	if form != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	}
	if err != nil {
		return err
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("explorer api status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
