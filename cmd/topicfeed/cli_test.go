// Package main tests document the expected behavior of the topicfeed CLI.
//
// These are BLACK BOX tests - they test the CLI by executing the binary
// and checking stdout/stderr output.
//
// External dependencies mocked:
// - The ledger's JSON-RPC endpoint via an httptest server (TOPICFEED_RPC_URL)
// - Configuration via TOPICFEED_CONFIG_DIR
package main

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gauthierbraillon/topicfeed/internal/ledger"
	"github.com/gauthierbraillon/topicfeed/pkg/contracts"
)

var binaryPath string

const contractAddress = "0x00000000000000000000000000000000000c0ffe"

// TestMain builds the binary once before running tests.
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "topicfeed-test")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	binaryPath = filepath.Join(dir, "topicfeed")
	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = "."
	if err := cmd.Run(); err != nil {
		panic("failed to build binary: " + err.Error())
	}

	os.Exit(m.Run())
}

// runCLI executes the CLI binary with given arguments and environment.
func runCLI(t *testing.T, env map[string]string, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()

	cmd := exec.Command(binaryPath, args...)

	cmd.Env = os.Environ()
	if _, ok := env["TOPICFEED_CONFIG_DIR"]; !ok {
		cmd.Env = append(cmd.Env, "TOPICFEED_CONFIG_DIR="+t.TempDir())
	}
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	exitCode = 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		t.Fatalf("failed to run command: %v", err)
	}

	return outBuf.String(), errBuf.String(), exitCode
}

// runCLISimple runs CLI without custom environment.
func runCLISimple(t *testing.T, args ...string) (stdout, stderr string, exitCode int) {
	return runCLI(t, nil, args...)
}

// rpcLedger answers the JSON-RPC calls of the ledger client for a single
// topic chain holding one post in block 7.
func rpcLedger(t *testing.T, topic, message string) *httptest.Server {
	t.Helper()
	a := contracts.MustLedgerABI()
	tag := ledger.FormatTag(topic)
	event := a.Events[contracts.EventByTime]
	creation := time.Now().Add(-2 * time.Hour).UnixMilli()

	linkData, err := event.Inputs.NonIndexed().Pack(big.NewInt(0), big.NewInt(creation))
	if err != nil {
		t.Fatal(err)
	}
	input, err := a.Pack(contracts.MethodPost, big.NewInt(creation), message, [][32]byte{tag})
	if err != nil {
		t.Fatal(err)
	}
	txHash := common.HexToHash("0x7e57")
	blockHash := common.HexToHash("0xb10c")
	author := "0x000000000000000000000000000000000000a11c"

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var result any
		switch req.Method {
		case "eth_call":
			var call struct {
				Data  hexutil.Bytes `json:"data"`
				Input hexutil.Bytes `json:"input"`
			}
			json.Unmarshal(req.Params[0], &call)
			data := call.Input
			if len(data) == 0 {
				data = call.Data
			}
			head := big.NewInt(0)
			if method, err := a.MethodById(data[:4]); err == nil && method.Name == contracts.MethodHeadByTime {
				if args, err := method.Inputs.Unpack(data[4:]); err == nil && common.Hash(args[0].([32]byte)) == tag {
					head = big.NewInt(7)
				}
			}
			out, _ := a.Methods[contracts.MethodHeadByTime].Outputs.Pack(head)
			result = hexutil.Bytes(out)
		case "eth_getLogs":
			var filter struct {
				FromBlock string `json:"fromBlock"`
			}
			json.Unmarshal(req.Params[0], &filter)
			logs := []map[string]any{}
			if filter.FromBlock == "0x7" {
				logs = append(logs, map[string]any{
					"address":          contractAddress,
					"topics":           []string{event.ID.Hex(), tag.Hex()},
					"data":             hexutil.Encode(linkData),
					"blockNumber":      "0x7",
					"transactionHash":  txHash.Hex(),
					"transactionIndex": "0x0",
					"blockHash":        blockHash.Hex(),
					"logIndex":         "0x0",
					"removed":          false,
				})
			}
			result = logs
		case "eth_getTransactionByHash":
			result = map[string]any{
				"type":             "0x0",
				"nonce":            "0x1",
				"gasPrice":         "0x1",
				"gas":              "0x186a0",
				"to":               contractAddress,
				"value":            "0x0",
				"input":            hexutil.Encode(input),
				"v":                "0x1b",
				"r":                "0x1",
				"s":                "0x1",
				"hash":             txHash.Hex(),
				"blockHash":        blockHash.Hex(),
				"blockNumber":      "0x7",
				"transactionIndex": "0x0",
				"from":             author,
			}
		default:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": -32601, "message": "method not found: " + req.Method},
			})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
}

// TestRootCommand_Help verifies help output shows available commands.
func TestRootCommand_Help(t *testing.T) {
	stdout, _, _ := runCLISimple(t, "--help")
	output := strings.ToLower(stdout)

	expects := []string{"topicfeed", "usage", "feed", "serve", "config"}
	for _, want := range expects {
		if !strings.Contains(output, want) {
			t.Errorf("help should contain %q, got:\n%s", want, stdout)
		}
	}
}

// TestRootCommand_Version verifies version output.
func TestRootCommand_Version(t *testing.T) {
	stdout, _, _ := runCLISimple(t, "--version")

	if !strings.HasPrefix(stdout, "topicfeed version ") {
		t.Errorf("version should show topicfeed and version, got:\n%s", stdout)
	}
}

// TestFeedCommand_Help verifies feed help shows its options.
func TestFeedCommand_Help(t *testing.T) {
	stdout, _, _ := runCLISimple(t, "feed", "--help")
	output := strings.ToLower(stdout)

	expects := []string{"topic", "sort", "limit", "verbose"}
	for _, want := range expects {
		if !strings.Contains(output, want) {
			t.Errorf("feed help should contain %q, got:\n%s", want, stdout)
		}
	}
}

// TestFeedCommand_RequiresLedgerSettings verifies a helpful error without an RPC endpoint.
func TestFeedCommand_RequiresLedgerSettings(t *testing.T) {
	_, stderr, exitCode := runCLI(t, map[string]string{"TOPICFEED_RPC_URL": "", "TOPICFEED_CONTRACT": ""}, "feed")

	if exitCode == 0 {
		t.Error("should fail without ledger settings")
	}
	if !strings.Contains(stderr, "TOPICFEED_RPC_URL") {
		t.Errorf("error should say how to configure the ledger, got:\n%s", stderr)
	}
}

// TestFeedCommand_RejectsInvalidSort verifies only trend/time are accepted.
func TestFeedCommand_RejectsInvalidSort(t *testing.T) {
	_, stderr, exitCode := runCLI(t, map[string]string{"TOPICFEED_SORT": "popular"}, "feed")

	if exitCode == 0 {
		t.Error("should fail with invalid sort")
	}
	if !strings.Contains(strings.ToLower(stderr), "invalid") {
		t.Errorf("error should mention invalid, got:\n%s", stderr)
	}
}

// TestFeedCommand_DisplaysItems verifies feed reads the ledger and displays items.
// The RPC endpoint is mocked via test server.
func TestFeedCommand_DisplaysItems(t *testing.T) {
	server := rpcLedger(t, "golang", "merge iterators are fun")
	defer server.Close()

	env := map[string]string{
		"TOPICFEED_RPC_URL":      server.URL,
		"TOPICFEED_CONTRACT":     contractAddress,
		"TOPICFEED_CACHE_DRIVER": "none",
	}

	stdout, stderr, exitCode := runCLI(t, env, "feed", "--topic", "golang", "--sort", "time", "--verbose")

	if exitCode != 0 {
		t.Fatalf("feed command should succeed, got exit code %d:\n%s", exitCode, stderr)
	}
	if !strings.Contains(stdout, "merge iterators are fun") {
		t.Errorf("output should contain the post message, got:\n%s", stdout)
	}
	if !strings.Contains(stdout, "#golang") || !strings.Contains(stdout, "2 hours ago") {
		t.Errorf("output should show topic and relative time, got:\n%s", stdout)
	}
	if !strings.Contains(stderr, "Syncing 1/1 at block 7 from blockchain...") {
		t.Errorf("verbose mode should print sync progress, got:\n%s", stderr)
	}
	if !strings.Contains(stderr, "No more items.") {
		t.Errorf("a fully read chain should say so, got:\n%s", stderr)
	}
}

// TestFeedCommand_CachesBlocks verifies a second run is served from the sqlite cache.
func TestFeedCommand_CachesBlocks(t *testing.T) {
	server := rpcLedger(t, "golang", "cached post")
	defer server.Close()
	env := map[string]string{
		"TOPICFEED_CONFIG_DIR": t.TempDir(),
		"TOPICFEED_RPC_URL":    server.URL,
		"TOPICFEED_CONTRACT":   contractAddress,
	}

	if _, stderr, code := runCLI(t, env, "feed", "-t", "golang", "-s", "time"); code != 0 {
		t.Fatalf("first run failed:\n%s", stderr)
	}
	stdout, stderr, code := runCLI(t, env, "feed", "-t", "golang", "-s", "time", "-v")

	if code != 0 {
		t.Fatalf("second run failed:\n%s", stderr)
	}
	if !strings.Contains(stdout, "cached post") {
		t.Errorf("cached run should still show the post, got:\n%s", stdout)
	}
	if !strings.Contains(stderr, "Syncing block 7 from database...") {
		t.Errorf("second run should read block 7 from the cache, got:\n%s", stderr)
	}
}

// TestConfigCommand_FollowAndUnfollow verifies the follow-set is persisted.
func TestConfigCommand_FollowAndUnfollow(t *testing.T) {
	env := map[string]string{"TOPICFEED_CONFIG_DIR": t.TempDir(), "TOPICFEED_TOPICS": ""}

	stdout, stderr, code := runCLI(t, env, "config", "follow", "golang", "rust", "golang")
	if code != 0 {
		t.Fatalf("follow failed:\n%s", stderr)
	}
	if !strings.Contains(stdout, "Following: golang, rust") {
		t.Errorf("follow should list the follow-set once each, got:\n%s", stdout)
	}

	stdout, _, _ = runCLI(t, env, "config", "follow", "Rust", "Hello World")
	if !strings.Contains(stdout, "Following: golang, rust, Hello World") {
		t.Errorf("another spelling of a followed topic should not be added again, got:\n%s", stdout)
	}

	stdout, _, _ = runCLI(t, env, "config", "unfollow", "RUST", "hello-world")
	if !strings.Contains(stdout, "Following: golang") || strings.Contains(strings.ToLower(stdout), "rust") || strings.Contains(stdout, "Hello") {
		t.Errorf("unfollow should drop the topic in any spelling, got:\n%s", stdout)
	}

	stdout, _, _ = runCLI(t, env, "config")
	if !strings.Contains(stdout, "Config directory: "+env["TOPICFEED_CONFIG_DIR"]) || !strings.Contains(stdout, "- golang") {
		t.Errorf("config should show the directory and follow-set, got:\n%s", stdout)
	}
}

// TestConfigCommand_Help verifies config shows options.
func TestConfigCommand_Help(t *testing.T) {
	stdout, _, _ := runCLISimple(t, "config", "--help")

	if !strings.Contains(strings.ToLower(stdout), "follow") {
		t.Errorf("should show config help, got:\n%s", stdout)
	}
}
