package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillbox/pkg/config"
)

func TestGetServeConfigFromFlags(t *testing.T) {
	orig := cfg
	defer func() { cfg = orig }()
	cfg = config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: 8787}}

	newCmd := func() *cobra.Command {
		c := &cobra.Command{}
		c.Flags().String("host", "", "")
		c.Flags().Int("port", 0, "")
		return c
	}

	c := getServeConfigFromFlags(newCmd())
	assert.Equal(t, "127.0.0.1", c.Host)
	assert.Equal(t, 8787, c.Port)

	cmd := newCmd()
	require.NoError(t, cmd.Flags().Set("host", "0.0.0.0"))
	require.NoError(t, cmd.Flags().Set("port", "9000"))
	c = getServeConfigFromFlags(cmd)
	assert.Equal(t, "0.0.0.0", c.Host)
	assert.Equal(t, 9000, c.Port)
	assert.NoError(t, c.Validate())
}
