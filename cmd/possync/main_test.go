package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommands(t *testing.T) {
	root := rootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "send-order", "dissociate"}, names)
}

func TestSendOrderNeedsID(t *testing.T) {
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"send-order"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestBuildRejectsBadConfig(t *testing.T) {
	t.Setenv("ORDER_MODE", "cafe")
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"dissociate"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown order mode")
}

func TestBuildRejectsBadMemoryCatalog(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("MEMORY_CATALOG", "burger=cheap")
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"dissociate"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "currency amount is not parseable")
}
