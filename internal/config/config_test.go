package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultPassesValidate(t *testing.T) {
	cfg := Default()
	cfg.Streams = []StreamDescriptor{{Name: "s1", URL: "rtsp://example.invalid/stream", Enabled: true}}
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsHopNotGreaterThanWindow(t *testing.T) {
	cfg := Default()
	cfg.WindowSeconds = 120
	cfg.HopSeconds = 12
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicateStreamNames(t *testing.T) {
	cfg := Default()
	cfg.Streams = []StreamDescriptor{
		{Name: "s1", URL: "rtsp://a", Enabled: true},
		{Name: "s1", URL: "rtsp://b", Enabled: true},
	}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonRTSPStreamURL(t *testing.T) {
	cfg := Default()
	cfg.Streams = []StreamDescriptor{{Name: "s1", URL: "http://example.invalid", Enabled: true}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadDecisionPolicy(t *testing.T) {
	cfg := Default()
	cfg.DecisionPolicy = "first-hit"
	require.Error(t, cfg.Validate())
}

func TestToleranceDurationMultipliesHop(t *testing.T) {
	cfg := Default()
	cfg.HopSeconds = 120
	cfg.TwoHitHopTol = 2
	require.Equal(t, 240_000_000_000, int(cfg.ToleranceDuration()))
}

func TestLoadReadsStreamsFromEnv(t *testing.T) {
	t.Setenv("STREAM_COUNT", "2")
	t.Setenv("STREAM_1_NAME", "alpha")
	t.Setenv("STREAM_1_URL", "rtsp://alpha.example/stream")
	t.Setenv("STREAM_2_NAME", "beta")
	t.Setenv("STREAM_2_URL", "rtsp://beta.example/stream")
	t.Setenv("STREAM_2_ENABLED", "false")

	cfg := Load()

	require.Len(t, cfg.Streams, 2)
	require.Equal(t, "alpha", cfg.Streams[0].Name)
	require.True(t, cfg.Streams[0].Enabled)
	require.Equal(t, "beta", cfg.Streams[1].Name)
	require.False(t, cfg.Streams[1].Enabled)
}

func TestLoadSkipsStreamsWithoutURL(t *testing.T) {
	t.Setenv("STREAM_COUNT", "1")
	t.Setenv("STREAM_1_NAME", "no-url")

	cfg := Load()

	require.Empty(t, cfg.Streams)
}
