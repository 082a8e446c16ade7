package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/wxcache/internal/store"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("wxcache"))
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, kctx
}

func TestParse_Defaults(t *testing.T) {
	t.Setenv("KMA_SERVICE_KEY", "from-env")
	cli, kctx := parse(t, "asos")

	assert.Equal(t, "asos", kctx.Command())
	assert.Equal(t, "from-env", cli.ServiceKey)
	assert.Equal(t, 1984, cli.StartYear)
	assert.Equal(t, 1, cli.Workers)
	assert.Equal(t, 2*time.Second, cli.RetryDelay)
	assert.Equal(t, []string{"SKY"}, cli.Categories)
	assert.Equal(t, []float64{10, 30, 50, 70, 90, 110}, cli.RainMore)
	assert.Equal(t, "utf-8", cli.Encoding)
}

func TestParse_Forecast(t *testing.T) {
	cli, kctx := parse(t, "forecast", "--kind", "short", "--base-date", "20250301", "--base-time", "500")

	assert.Equal(t, "forecast", kctx.Command())
	assert.Equal(t, []string{"short"}, cli.Forecast.Kind)
	assert.Equal(t, "500", cli.Forecast.BaseTime)
}

func TestParse_Schedule(t *testing.T) {
	cli, _ := parse(t, "schedule", "--metrics-addr", "", "--run-on-start")

	assert.Equal(t, "11 * * * *", cli.Schedule.ForecastSpec)
	assert.Equal(t, "30 6 * * *", cli.Schedule.ObservationSpec)
	assert.True(t, cli.Schedule.RunOnStart)
	assert.Empty(t, cli.Schedule.MetricsAddr)
}

func TestSetup_RequiresServiceKey(t *testing.T) {
	t.Setenv("KMA_SERVICE_KEY", "")
	cli, _ := parse(t, "asos")

	_, err := cli.Globals.setup(true)
	assert.ErrorContains(t, err, "KMA_SERVICE_KEY")

	a, err := cli.Globals.setup(false)
	require.NoError(t, err)
	a.Close()
}

func TestDumpPayload(t *testing.T) {
	log, _ := test.NewNullLogger()
	st, err := store.Open(":memory:", log)
	require.NoError(t, err)
	defer st.Close()

	run, err := st.StartIngestRun("asos", "getWthrDataList", "90", "2024")
	require.NoError(t, err)
	body := []byte(`{"response":{"header":{"resultCode":"00"}}}`)
	_, err = st.StoreRawPayload(run.ID, "asos", "getWthrDataList", "90", "2024", body)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, dumpPayload(&buf, st, store.PayloadHash(body)))
	assert.Equal(t, string(body)+"\n", buf.String())

	assert.ErrorContains(t, dumpPayload(&buf, st, "unknown"), "no payload")
}

func TestParse_StatusPayload(t *testing.T) {
	cli, kctx := parse(t, "--db", "audit.db", "status", "--payload", "abc123")

	assert.Equal(t, "status", kctx.Command())
	assert.Equal(t, "abc123", cli.Status.Payload)
	assert.Equal(t, 7, cli.Status.Days)
}
