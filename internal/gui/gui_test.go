package gui

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushKeepsBufferLength(t *testing.T) {
	g := New(context.Background(), nil, nil, 8)
	for i := 1; i <= LEN_NODES+5; i++ {
		g.push(IncomingData{Active: 3, Tracked: i, Good: i / 2, Probes: 10, Succeeded: 4, Found: 99})
	}
	require.Len(t, g.buffTracked, LEN_NODES)
	require.Len(t, g.buffActive, LEN_CONN)
	assert.Equal(t, float64(LEN_NODES+5), g.buffTracked[LEN_NODES-1])
	assert.Equal(t, float64(6), g.buffTracked[0])
	info := g.getInfo()
	assert.Equal(t, "3/8", info[6][1])
	assert.Equal(t, "10 (4 ok)", info[7][1])
	assert.Equal(t, "99", info[8][1])
}

func TestPushLog(t *testing.T) {
	g := New(context.Background(), nil, nil, 1)
	g.pushLog("")
	g.pushLog("INFO: hello")
	require.Len(t, g.buffLogs, LEN_LOGS)
	assert.Equal(t, "INFO: hello", g.buffLogs[LEN_LOGS-1])
	assert.Equal(t, "", g.buffLogs[LEN_LOGS-2])
}
