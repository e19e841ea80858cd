package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tastream/internal/model"
	sqlitestore "tastream/internal/store/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVCommand(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("ts,open,high,low,close,volume\n")
	for i := 0; i < 40; i++ {
		c := 100 + float64(i%7)
		fmt.Fprintf(&sb, "%d,%g,%g,%g,%g,100\n", 1700000000+60*i, c, c+2, c-1, c+0.5)
	}
	path := filepath.Join(t.TempDir(), "bars.csv")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"csv", path, "--tf=60", "--indicators=RSI:14,CORREL:5", "--token=2885"})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "bars processed: 40")
	assert.Contains(t, text, "CSV:2885")
	assert.Contains(t, text, "CORREL_5")
}

func TestCSVCommand_Errors(t *testing.T) {
	cases := [][]string{
		{"csv", "missing.csv", "--tf=60"},
		{"csv", "x.csv", "--tf=60,300"},
		{"csv", "x.csv", "--tf=60", "--indicators=RSI:0"},
		{"csv"},
	}
	for _, args := range cases {
		cmd := newRootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(args)
		assert.Error(t, cmd.Execute(), "args %v", args)
	}
}

func TestSQLiteCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.db")
	w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: path})
	require.NoError(t, err)
	var bars []model.Bar
	for i := 0; i < 30; i++ {
		c := 200 + float64(i%5)
		bar := model.Bar{
			Exchange: "NSE", Token: "2885", TF: 60,
			TS:   time.Unix(1700000000+int64(60*i), 0).UTC(),
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 10,
		}
		other := bar
		other.Token = "1594"
		bars = append(bars, bar, other)
	}
	require.NoError(t, w.InsertBars(bars))
	require.NoError(t, w.Close())

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"sqlite", "--db", path, "--tf=60", "--indicators=ADX:5,RSI:5", "--from=1700000599"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "bars processed: 40")
	assert.Contains(t, out.String(), "RSI_5")

	out.Reset()
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"sqlite", "--db", path, "--tf=60", "--indicators=RSI:5", "--token=1594"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "bars processed: 30")
	assert.NotContains(t, out.String(), "NSE:2885")
}
