package sink

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/andrewh/testotel/pkg/config"
	"github.com/andrewh/testotel/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    map[string]bool
		wantErr bool
	}{
		{input: "traces", want: map[string]bool{"traces": true}},
		{input: "traces,metrics,logs", want: map[string]bool{"traces": true, "metrics": true, "logs": true}},
		{input: " metrics , logs ", want: map[string]bool{"metrics": true, "logs": true}},
		{input: "", want: map[string]bool{}},
		{input: "traces,profiles", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSignals(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unknown signal")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpenSignalsDisabledWithoutEndpoint(t *testing.T) {
	t.Parallel()

	cfg := resolve(t, nil, "")
	mp, err := OpenMetrics(context.Background(), cfg, Options{})
	require.NoError(t, err)
	assert.Nil(t, mp)

	lp, err := OpenLogs(context.Background(), cfg, Options{})
	require.NoError(t, err)
	assert.Nil(t, lp)
}

func TestOpenSignalsDebug(t *testing.T) {
	t.Parallel()

	cfg, err := config.Resolve(config.Options{Environ: []string{}, Debug: true})
	require.NoError(t, err)

	var buf bytes.Buffer
	opts := Options{DebugWriter: &buf}

	mp, err := OpenMetrics(context.Background(), cfg, opts)
	require.NoError(t, err)
	require.NotNil(t, mp)
	lp, err := OpenLogs(context.Background(), cfg, opts)
	require.NoError(t, err)
	require.NotNil(t, lp)

	metrics, err := session.NewMetricObserver(mp)
	require.NoError(t, err)
	logs := session.NewLogObserver(lp, 0)
	info := session.TestInfo{
		ID:       session.TestID{Package: "example.com/pkg", Name: "TestBroken"},
		Signal:   session.SignalFailed,
		Status:   session.StatusError,
		Outcome:  session.OutcomeFailed,
		Start:    time.Now(),
		Duration: time.Second,
		Message:  "boom",
	}
	metrics.Observe(info)
	logs.Observe(info)

	require.NoError(t, mp.Shutdown(context.Background()))
	require.NoError(t, lp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "tests.count")
	assert.Contains(t, buf.String(), "TestBroken failed")
}

func TestOpenSignalsNetwork(t *testing.T) {
	t.Parallel()

	for _, protocol := range []string{config.ProtocolGRPC, config.ProtocolHTTPProtobuf} {
		t.Run(protocol, func(t *testing.T) {
			t.Parallel()
			cfg := resolve(t, map[string]string{
				config.EnvProtocol: protocol,
				config.EnvEndpoint: "http://localhost:1",
			}, "")

			mp, err := OpenMetrics(context.Background(), cfg, Options{})
			require.NoError(t, err)
			require.NotNil(t, mp)
			lp, err := OpenLogs(context.Background(), cfg, Options{})
			require.NoError(t, err)
			require.NotNil(t, lp)

			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			_ = mp.Shutdown(ctx)
			_ = lp.Shutdown(ctx)
		})
	}
}

func TestSignalShutdownBoundedByExportTimeout(t *testing.T) {
	t.Parallel()

	// Nothing listens on port 1, so every export fails and is retried.
	cfg := resolve(t, map[string]string{
		config.EnvProtocol: config.ProtocolGRPC,
		config.EnvEndpoint: "http://127.0.0.1:1",
	}, "")
	opts := Options{ExportTimeout: 300 * time.Millisecond}

	mp, err := OpenMetrics(context.Background(), cfg, opts)
	require.NoError(t, err)
	lp, err := OpenLogs(context.Background(), cfg, opts)
	require.NoError(t, err)

	metrics, err := session.NewMetricObserver(mp)
	require.NoError(t, err)
	info := session.TestInfo{
		ID:       session.TestID{Package: "example.com/pkg", Name: "TestBroken"},
		Signal:   session.SignalFailed,
		Status:   session.StatusError,
		Outcome:  session.OutcomeFailed,
		Start:    time.Now(),
		Duration: time.Second,
	}
	metrics.Observe(info)
	session.NewLogObserver(lp, 0).Observe(info)

	begin := time.Now()
	_ = mp.Shutdown(context.Background())
	_ = lp.Shutdown(context.Background())
	assert.Less(t, time.Since(begin), 5*time.Second)
}

func TestExportTimeoutDefault(t *testing.T) {
	t.Parallel()
	assert.Equal(t, defaultExportTimeout, exportTimeout(Options{}))
	assert.Equal(t, time.Second, exportTimeout(Options{ExportTimeout: time.Second}))
}
