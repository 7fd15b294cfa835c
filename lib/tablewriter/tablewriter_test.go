package tablewriter

import (
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

func TestBasicTable(t *testing.T) {
	tw := New(Col("ID"), Col("Status"))
	tw.Write(map[string]interface{}{"ID": 1, "Status": "waiting"})
	tw.Write(map[string]interface{}{"ID": 23, "Status": "complete"})

	var sb strings.Builder
	require.NoError(t, tw.Flush(&sb))

	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "ID  Status", lines[0])
	require.Equal(t, "1   waiting", lines[1])
	require.Equal(t, "23  complete", lines[2])
}

func TestColorDoesNotSkewWidths(t *testing.T) {
	red := color.New(color.FgRed)
	red.EnableColor()

	tw := New(Col("ID"), Col("Status"))
	tw.Write(map[string]interface{}{"ID": 1, "Status": red.Sprint("error")})
	tw.Write(map[string]interface{}{"ID": 2, "Status": "waiting"})

	var sb strings.Builder
	require.NoError(t, tw.Flush(&sb))

	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	// strip escapes; alignment must hold on the visible text
	for i, ln := range lines {
		lines[i] = cleanColor.ReplaceAllString(ln, "")
	}
	require.Equal(t, "ID  Status", lines[0])
	require.Equal(t, "1   error", lines[1])
	require.Equal(t, "2   waiting", lines[2])
}

func TestUnwrittenColumnOmitted(t *testing.T) {
	tw := New(Col("ID"), Col("Manager"))
	tw.Write(map[string]interface{}{"ID": 7})

	var sb strings.Builder
	require.NoError(t, tw.Flush(&sb))

	out := sb.String()
	require.Contains(t, out, "ID")
	require.NotContains(t, out, "Manager")
}

func TestSeparateLineColumn(t *testing.T) {
	tw := New(Col("ID"), NewLineCol("Error"))
	tw.Write(map[string]interface{}{"ID": 3, "Error": "step exceeded walltime"})
	tw.Write(map[string]interface{}{"ID": 4})

	var sb strings.Builder
	require.NoError(t, tw.Flush(&sb))

	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	require.Equal(t, "ID", lines[0])
	require.Equal(t, "3", lines[1])
	require.Equal(t, "  Error: step exceeded walltime", lines[2])
	require.Equal(t, "4", lines[3])
}
