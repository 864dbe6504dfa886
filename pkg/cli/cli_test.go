package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const customersPlugin = "../../plugins/customers.js"

// newTestRootCmd returns a root command with captured output and the given
// arguments. PROTOSINK_* variables from the host are cleared.
func newTestRootCmd(t *testing.T, args ...string) (*cobra.Command, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	for _, kv := range os.Environ() {
		if name, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(name, "PROTOSINK_") {
			t.Setenv(name, "")
			require.NoError(t, os.Unsetenv(name))
		}
	}
	var stdout, stderr bytes.Buffer
	rootCmd := newRootCmd()
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	return rootCmd, &stdout, &stderr
}

type checkOutput struct {
	Kind      string `json:"kind"`
	Success   bool   `json:"success"`
	TableInfo *struct {
		Name       string `json:"name"`
		Schema     string `json:"schema"`
		PrimaryKey string `json:"primary_key"`
		Columns    []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"columns"`
	} `json:"table_info"`
	Rows  []map[string]any `json:"rows"`
	Error string           `json:"error"`
}

func decodeCheck(t *testing.T, out *bytes.Buffer) checkOutput {
	t.Helper()
	var res checkOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &res), out.String())
	return res
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCheckPlugin_CustomersFromFile(t *testing.T) {
	input := writeFile(t, "in.json", `[{"id":1,"name":"Ada"},{"id":2,"name":"Grace"},{"id":3,"name":"Linus"}]`)
	rootCmd, stdout, _ := newTestRootCmd(t, "check-plugin", "-p", customersPlugin, "--input", input)

	require.NoError(t, rootCmd.Execute())

	res := decodeCheck(t, stdout)
	assert.True(t, res.Success)
	assert.Equal(t, "javascript", res.Kind)
	require.NotNil(t, res.TableInfo)
	assert.Equal(t, "customers", res.TableInfo.Name)
	assert.Equal(t, "public", res.TableInfo.Schema)
	assert.Equal(t, "customer_id", res.TableInfo.PrimaryKey)
	require.Len(t, res.TableInfo.Columns, 2)
	assert.Equal(t, "integer", res.TableInfo.Columns[0].Type)
	assert.Equal(t, "string", res.TableInfo.Columns[1].Type)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, "Ada", res.Rows[0]["customer_name"])
	assert.EqualValues(t, 3, res.Rows[2]["customer_id"])
}

func TestCheckPlugin_Stdin(t *testing.T) {
	rootCmd, stdout, _ := newTestRootCmd(t, "check-plugin", "--plugin", customersPlugin)
	rootCmd.SetIn(strings.NewReader(`{"id":7,"name":"Barbara"}`))

	require.NoError(t, rootCmd.Execute())

	res := decodeCheck(t, stdout)
	assert.True(t, res.Success)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Barbara", res.Rows[0]["customer_name"])
}

func TestCheckPlugin_ReportsGuestFailure(t *testing.T) {
	plugin := writeFile(t, "boom.js", `function transform(input) { throw new Error("no customers here"); }`)
	rootCmd, stdout, _ := newTestRootCmd(t, "check-plugin", "-p", plugin)
	rootCmd.SetIn(strings.NewReader(`{}`))

	require.NoError(t, rootCmd.Execute())

	res := decodeCheck(t, stdout)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no customers here")
	assert.Nil(t, res.TableInfo)
	assert.Empty(t, res.Rows)
}

func TestCheckPlugin_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		stdin   string
		wantErr string
	}{
		{
			name:    "missing plugin",
			args:    []string{"check-plugin"},
			stdin:   `{}`,
			wantErr: "plugin path is required",
		},
		{
			name:    "invalid json",
			args:    []string{"check-plugin", "-p", customersPlugin},
			stdin:   `{"id":`,
			wantErr: "parse input",
		},
		{
			name:    "missing input file",
			args:    []string{"check-plugin", "-p", customersPlugin, "--input", "does-not-exist.json"},
			wantErr: "read input",
		},
		{
			name:    "unknown plugin kind",
			args:    []string{"check-plugin", "-p", "../../go.mod"},
			stdin:   `{}`,
			wantErr: "cannot determine plugin kind",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rootCmd, _, _ := newTestRootCmd(t, tc.args...)
			rootCmd.SetIn(strings.NewReader(tc.stdin))

			err := rootCmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestVersion(t *testing.T) {
	rootCmd, stdout, _ := newTestRootCmd(t, "version")

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "protosink version dev (commit: none)\n", stdout.String())
}

func TestRootFlags(t *testing.T) {
	rootCmd := newRootCmd()
	flags := rootCmd.PersistentFlags()

	shorthands := map[string]string{
		"p": "plugin",
		"d": "database-url",
		"b": "bootstrap-servers",
		"t": "topic",
		"s": "schema-registry",
		"g": "group-id",
		"c": "config",
	}
	for short, long := range shorthands {
		f := flags.ShorthandLookup(short)
		require.NotNil(t, f, short)
		assert.Equal(t, long, f.Name)
	}

	alias := flags.Lookup("postgres-url")
	require.NotNil(t, alias)
	assert.True(t, alias.Hidden)
}

func TestRunRequiresTopic(t *testing.T) {
	rootCmd, _, _ := newTestRootCmd(t, "run", "-p", customersPlugin, "-d", "sqlite://"+filepath.Join(t.TempDir(), "out.db"))

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topic")
}

func TestReplayRequiresFile(t *testing.T) {
	rootCmd, _, _ := newTestRootCmd(t, "replay", "--type", "pkg.Msg")

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file")
}

func TestCompletion(t *testing.T) {
	rootCmd, stdout, _ := newTestRootCmd(t, "completion", "bash")

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, stdout.String(), "protosink")
}
