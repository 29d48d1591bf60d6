package cmd

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/partnerbatch/pkg/api"
	"github.com/psantana5/partnerbatch/pkg/auth"
	"github.com/psantana5/partnerbatch/pkg/batch"
	"github.com/psantana5/partnerbatch/pkg/jobs"
	"github.com/psantana5/partnerbatch/pkg/logging"
	"github.com/psantana5/partnerbatch/pkg/metrics"
	"github.com/psantana5/partnerbatch/pkg/models"
	"github.com/psantana5/partnerbatch/pkg/providers"
	"github.com/psantana5/partnerbatch/pkg/queue"
	"github.com/psantana5/partnerbatch/pkg/store"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := logging.NewLogger(logging.ERROR, false)
	s := store.NewMemoryStore()

	runner := batch.NewRunner(batch.RunnerConfig{
		Registry: jobs.NewRegistry(jobs.Deps{
			Store:     s,
			Mailer:    providers.NewLogMailer(logger),
			ExportDir: t.TempDir(),
			Logger:    logger,
		}),
		Store:    s,
		Enqueuer: queue.NewJobEnqueuer(queue.NewLocalPublisher(s, logger), "http://partnerd.test", 3),
		Logger:   logger,
	})
	h := api.NewHandler(api.Config{
		Runner:  runner,
		Store:   s,
		APIKeys: auth.NewAPIKeyManager("key_cli"),
		Logger:  logger,
	})
	srv := httptest.NewServer(api.NewRouter(h, api.RouterOptions{}))
	t.Cleanup(srv.Close)
	return srv
}

// execute runs partnerctl with args against srv and returns stdout
func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--server", srv.URL, "--api-key", "key_cli", "-o", "table"}, args...))
	t.Cleanup(func() {
		jobParams, jobParamsJSON, jobWait = nil, "", false
		serverURL, apiKey, outputFormat = "", "", "table"
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"campaignId=cmp_1", "note=a=b"}, `{"programId":"prog_1","campaignId":"old"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"programId":  "prog_1",
		"campaignId": "cmp_1",
		"note":       "a=b",
	}, params)

	_, err = parseParams([]string{"novalue"}, "")
	assert.Error(t, err)
	_, err = parseParams(nil, "{not json")
	assert.Error(t, err)
}

func TestJobsAndRuns(t *testing.T) {
	srv := newServer(t)

	out, err := execute(t, srv, "jobs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, jobs.PartnersRank)

	out, err = execute(t, srv, "jobs", "start", jobs.PartnersRank)
	require.NoError(t, err)
	assert.Contains(t, out, "Started "+jobs.PartnersRank)

	out, err = execute(t, srv, "runs", "list", "-o", "json")
	require.NoError(t, err)
	var runs []*models.JobRun
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusRunning, runs[0].Status)

	out, err = execute(t, srv, "runs", "cancel", runs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, string(models.RunStatusCanceled))

	out, err = execute(t, srv, "messages")
	require.NoError(t, err)
	assert.Contains(t, out, runs[0].ID+":start")
}

func TestStats(t *testing.T) {
	c := metrics.NewCollector(nil)
	c.RecordContinuation(jobs.PartnersRank)
	metricsSrv := httptest.NewServer(c)
	t.Cleanup(metricsSrv.Close)
	t.Cleanup(func() { metricsURL = "" })

	out, err := execute(t, newServer(t), "stats", "--metrics-url", metricsSrv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "partnerbatch_continuations_total")
	assert.Contains(t, out, "job="+jobs.PartnersRank)
}

func TestErrorsSurface(t *testing.T) {
	srv := newServer(t)

	_, err := execute(t, srv, "jobs", "start", "no.such.job")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")

	_, err = execute(t, srv, "invoice", "inv_missing")
	require.Error(t, err)
}
