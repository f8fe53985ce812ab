package cli_test

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/airgap-marketplace/cli"
)

func TestSync(t *testing.T) {
	t.Parallel()

	cmd := cli.Root()
	cmd.SetArgs([]string{"sync", "--help"})
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)

	err := cmd.Execute()
	require.NoError(t, err)

	output := buf.String()
	require.Contains(t, output, "Run a single sync pass", "has help")
	require.Contains(t, output, "--mode", "has mode flag")
}

func TestSyncRejectsConflictingScopeFlags(t *testing.T) {
	t.Parallel()

	cmd := cli.Root()
	cmd.SetArgs([]string{
		"sync",
		"--artifact-root", t.TempDir(),
		"--binaries-only",
		"--extensions-only",
	})
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)

	err := cmd.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "mutually exclusive")
}

func TestSyncRejectsWatchWithoutInterval(t *testing.T) {
	t.Parallel()

	cmd := cli.Root()
	cmd.SetArgs([]string{
		"sync",
		"--artifact-root", t.TempDir(),
		"--watch",
	})
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)

	err := cmd.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "--watch requires --interval")
}

func TestSyncRejectsUnknownMode(t *testing.T) {
	t.Parallel()

	cmd := cli.Root()
	cmd.SetArgs([]string{
		"sync",
		"--artifact-root", t.TempDir(),
		"--mode", "bogus",
	})
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)

	err := cmd.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown --mode")
}

// TestSyncExitsCleanOnPerItemFailures pins down the contract that a sync
// pass reports per-item failures without them becoming a non-zero process
// exit: only a pass that can't start at all should do that.
func TestSyncExitsCleanOnPerItemFailures(t *testing.T) {
	t.Parallel()

	var upstream *httptest.Server
	var mux http.ServeMux
	mux.HandleFunc("/extensionquery", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(rw, `{
			"results": [{
				"extensions": [{
					"extensionId": "foo.bar",
					"extensionName": "bar",
					"displayName": "Bar",
					"publisher": {"publisherName": "foo"},
					"versions": [{
						"version": "1.0.0",
						"files": [
							{"assetType": "Microsoft.VisualStudio.Services.VSIXPackage", "source": "%s/assets/missing.vsix"}
						]
					}]
				}],
				"resultMetadata": [{
					"metadataType": "ResultCount",
					"metadataItems": [{"name": "TotalCount", "count": 1}]
				}]
			}]
		}`, upstream.URL)
	})
	mux.HandleFunc("/assets/missing.vsix", func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "not found", http.StatusNotFound)
	})
	upstream = httptest.NewServer(&mux)
	t.Cleanup(upstream.Close)

	cmd := cli.Root()
	cmd.SetArgs([]string{
		"sync",
		"--artifact-root", t.TempDir(),
		"--mode", "all",
		"--extensions-only",
		"--upstream-marketplace-url", upstream.URL,
	})
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)

	err := cmd.Execute()
	require.NoError(t, err, "per-item failures must not produce a non-zero exit")
}
