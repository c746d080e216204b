package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCloser struct{ n int }

func (c *countingCloser) Close() error {
	c.n++
	return nil
}

func TestClosersCloseOnce(t *testing.T) {
	a, b := &countingCloser{}, &countingCloser{}
	c := closers{a}
	c = append(c, b)

	c.Close()
	c.Close()
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}

func TestClosersFlushLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.log")
	f, err := os.Create(path)
	require.NoError(t, err)
	c := closers{f}

	_, err = f.WriteString("000 >")
	require.NoError(t, err)
	c.Close()

	_, err = f.WriteString("more")
	assert.ErrorIs(t, err, os.ErrClosed)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "000 >", string(data))
}

func TestFindUserConfig(t *testing.T) {
	t.Setenv("USBREPLAY_CONFIG", "")
	assert.Equal(t, "a.yaml", findUserConfig([]string{"serve", "--config=a.yaml"}))
	assert.Equal(t, "b.toml", findUserConfig([]string{"--config", "b.toml", "serve"}))
	assert.Equal(t, "", findUserConfig([]string{"serve", "--config"}))

	t.Setenv("USBREPLAY_CONFIG", "env.json")
	assert.Equal(t, "env.json", findUserConfig([]string{"serve"}))
}
