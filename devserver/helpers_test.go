package devserver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ghyeongl/livestatus/livestatus"
)

func mustFrame(t *testing.T, raw string) livestatus.Frame {
	t.Helper()
	var f livestatus.Frame
	require.NoError(t, json.Unmarshal([]byte(raw), &f))
	return f
}
