package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brokerdesk/bankrecon/internal/app"
	_ "github.com/brokerdesk/bankrecon/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	main()
}
