package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghyeongl/livestatus/devserver"
	"github.com/ghyeongl/livestatus/livestatus"
)

func TestRunWatch_PrintsEventsAndNaturalSummary(t *testing.T) {
	srv, err := devserver.New(devserver.Options{DBPath: filepath.Join(t.TempDir(), "dev.db")})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	defer func() {
		ts.CloseClientConnections()
		ts.Close()
		srv.Close()
	}()

	var f livestatus.Frame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"status_update","payload":{"status":"approved"}}`), &f))
	_, _, err = srv.Handlers().Ingest("u2", f)
	require.NoError(t, err)

	s := Settings{BaseURL: ts.URL, StreamURL: streamURLFor(ts.URL)}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, runWatch(ctx, &out, s, []string{"u10", "u2"}))

	text := out.String()
	assert.Contains(t, text, "u2 status_update via push")
	summary := text[strings.Index(text, "SUBJECT"):]
	u2 := strings.Index(summary, "\nu2 ")
	u10 := strings.Index(summary, "\nu10 ")
	require.NotEqual(t, -1, u2)
	require.NotEqual(t, -1, u10)
	assert.Less(t, u2, u10)
	assert.Contains(t, summary[u2:u10], "approved")
}
