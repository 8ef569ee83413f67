package main_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilarch/kernel/internal/cli/cmd"
	"github.com/nilarch/kernel/internal/log"
)

func TestDemoBootsKernelCore(t *testing.T) {
	log.LogLevel.Set(log.Error)

	var out bytes.Buffer

	code := cmd.Demo().Run(context.Background(), nil, &out, log.DefaultLogger())

	require.Equal(t, 0, code)
	assert.True(t, strings.Contains(out.String(), "complete"))
}
