package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/feedrelay/internal/probe"
	"github.com/jmylchreest/feedrelay/internal/relay"
)

func TestConfigDump_IsLoadableYAML(t *testing.T) {
	cfg, err := defaultConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	var buf bytes.Buffer
	require.NoError(t, writeConfigDump(&buf, cfg))
	assert.Contains(t, buf.String(), "# feedrelay Configuration File")

	var dumped map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &dumped))

	resilience, ok := dumped["resilience"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "500ms", resilience["base_delay"])

	video, ok := dumped["video_config"].(map[string]any)
	require.True(t, ok)
	inputs, ok := video["input_feeds"].([]any)
	require.True(t, ok)
	require.Len(t, inputs, 1)
	queue := inputs[0].(map[string]any)["queue"].(map[string]any)
	assert.Equal(t, 1000, queue["max_queue_size"])
	assert.Equal(t, 500, queue["queue_timeout_ms"])
}

func TestDefaultConfig_FeedsBuild(t *testing.T) {
	cfg, err := defaultConfig()
	require.NoError(t, err)

	specs, feedErrs, err := relay.BuildSpecs(cfg)
	require.NoError(t, err)
	assert.Empty(t, feedErrs)
	for _, spec := range specs {
		_, err := relay.NewPipeline(spec)
		assert.NoError(t, err, "feed %s", spec.ID)
	}
}

func TestWriteProbeText(t *testing.T) {
	sum := &probe.Summary{
		Bytes:    1880,
		Packets:  10,
		Programs: []probe.Program{{Number: 1, PMTPID: 4096}},
		Streams: []probe.Stream{
			{PID: 256, Program: 1, Codec: "h264", PESCount: 3, Bytes: 1500, FPS: 24},
			{PID: 257, Program: 1, Codec: "unknown", PESCount: 1, Bytes: 100},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, writeProbeText(&buf, sum))

	out := buf.String()
	assert.Contains(t, out, "10 packets, 1 programs")
	assert.Contains(t, out, "h264")
	assert.Contains(t, out, "24.00")
	assert.Contains(t, out, "PID")
}
