//go:build integration

package protocol_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"

	"packforge/internal/analyze"
	"packforge/internal/artifact"
	"packforge/internal/config"
	"packforge/internal/identity"
	"packforge/internal/pipeline"
	"packforge/internal/protocol"
	"packforge/internal/store"
	"packforge/internal/types"
)

// ProtocolIntegrationSuite exercises the whole stack over the SSE
// binding: upload, extraction, credit-gated analysis, pack retrieval.
type ProtocolIntegrationSuite struct {
	suite.Suite
	store    *store.Store
	pipeline *pipeline.Pipeline
	table    *protocol.Table
	server   *httptest.Server
}

func TestProtocolIntegrationSuite(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
	suite.Run(t, new(ProtocolIntegrationSuite))
}

func (s *ProtocolIntegrationSuite) SetupTest() {
	st, err := store.Open(s.T().TempDir() + "/integration.db")
	s.Require().NoError(err)
	s.store = st

	artifacts, err := artifact.NewLocal(s.T().TempDir())
	s.Require().NoError(err)

	s.pipeline = pipeline.New(st, artifacts, analyze.NewHeuristic(), config.PipelineConfig{
		CostPerChunk:      1,
		ChunkTargetTokens: 10,
		MaxRetries:        1,
		RetryBackoff:      "1ms",
		MaxConcurrentJobs: 2,
	})

	router := protocol.NewRouter(s.pipeline, "integration")
	s.table = protocol.NewTable(router, time.Minute, 16)

	sse := protocol.NewSSEServer(":0", s.table, identity.Static{"alice-key": "alice"}, []string{"*"})
	s.server = httptest.NewServer(sse.Handler())
}

func (s *ProtocolIntegrationSuite) TearDownTest() {
	s.server.Close()
	s.table.Close()
	s.Require().NoError(s.pipeline.Close())
	s.Require().NoError(s.store.Close())
}

type streamClient struct {
	endpoint string
	messages chan *protocol.Response
	cancel   context.CancelFunc
}

func (s *ProtocolIntegrationSuite) connect(key string) *streamClient {
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.server.URL+"/events", nil)
	s.Require().NoError(err)
	req.Header.Set("X-API-Key", key)

	resp, err := s.server.Client().Do(req)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	client := &streamClient{messages: make(chan *protocol.Response, 32), cancel: cancel}
	endpointCh := make(chan string, 1)

	go func() {
		defer resp.Body.Close()
		defer close(client.messages)
		scanner := bufio.NewScanner(resp.Body)
		var event string
		var data bytes.Buffer
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				switch event {
				case "endpoint":
					endpointCh <- data.String()
				case "message":
					var r protocol.Response
					if json.Unmarshal(data.Bytes(), &r) == nil {
						client.messages <- &r
					}
				}
				event = ""
				data.Reset()
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data.WriteString(strings.TrimPrefix(line, "data: "))
			}
		}
	}()

	select {
	case client.endpoint = <-endpointCh:
	case <-time.After(5 * time.Second):
		s.FailNow("no endpoint event")
	}
	s.T().Cleanup(cancel)
	return client
}

func (s *ProtocolIntegrationSuite) call(c *streamClient, key string, req *protocol.Request) *protocol.Response {
	data, err := json.Marshal(req)
	s.Require().NoError(err)

	httpReq, err := http.NewRequest(http.MethodPost, s.server.URL+c.endpoint, bytes.NewReader(data))
	s.Require().NoError(err)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", key)

	post, err := s.server.Client().Do(httpReq)
	s.Require().NoError(err)
	post.Body.Close()
	s.Require().Equal(http.StatusAccepted, post.StatusCode)

	select {
	case resp := <-c.messages:
		s.Require().Equal(req.ID, resp.ID)
		return resp
	case <-time.After(5 * time.Second):
		s.FailNow("no response for " + req.ID)
		return nil
	}
}

func (s *ProtocolIntegrationSuite) params(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	s.Require().NoError(err)
	return data
}

func (s *ProtocolIntegrationSuite) decode(resp *protocol.Response, into interface{}) {
	s.Require().Nil(resp.Error, "unexpected wire error: %+v", resp.Error)
	data, err := json.Marshal(resp.Result)
	s.Require().NoError(err)
	s.Require().NoError(json.Unmarshal(data, into))
}

func (s *ProtocolIntegrationSuite) TestFullLifecycleOverSSE() {
	ctx := context.Background()
	s.Require().NoError(s.store.Ledger().Grant(ctx, "alice", 10))

	client := s.connect("alice-key")

	export := map[string]interface{}{
		"title": "incident retro",
		"messages": []map[string]string{
			{"role": "user", "content": "walk through the outage timeline and the paging gaps we saw"},
			{"role": "assistant", "content": "the outage started when the primary database failed over incorrectly"},
			{"role": "user", "content": "what remediation work should we schedule for the next sprint"},
		},
	}
	exportData, err := json.Marshal(export)
	s.Require().NoError(err)

	var job types.Job
	s.decode(s.call(client, "alice-key", &protocol.Request{
		ID: "start",
		Op: protocol.OpStartJob,
		Params: s.params(protocol.StartJobParams{
			Type:   "chunk",
			File:   types.FileMeta{Name: "retro.json"},
			Export: exportData,
		}),
	}), &job)
	s.Require().NotEmpty(job.ID)

	deadline := time.Now().Add(10 * time.Second)
	for job.State != types.StateReadyForAnalysis {
		s.Require().True(time.Now().Before(deadline), "job stuck in %s", job.State)
		s.Require().False(job.State.Terminal(), "job failed: %s", job.ErrorMessage)
		time.Sleep(20 * time.Millisecond)
		s.decode(s.call(client, "alice-key", &protocol.Request{
			ID:     fmt.Sprintf("poll-%d", time.Now().UnixNano()),
			Op:     protocol.OpGetJobStatus,
			Params: s.params(protocol.JobIDParams{JobID: job.ID}),
		}), &job)
	}

	var confirm pipeline.ConfirmResult
	s.decode(s.call(client, "alice-key", &protocol.Request{
		ID:     "confirm",
		Op:     protocol.OpConfirmAnalysis,
		Params: s.params(protocol.JobIDParams{JobID: job.ID}),
	}), &confirm)
	s.True(confirm.Affordable)
	s.True(confirm.Started)

	for job.State != types.StateCompleted {
		s.Require().True(time.Now().Before(deadline), "job stuck in %s", job.State)
		time.Sleep(20 * time.Millisecond)
		s.decode(s.call(client, "alice-key", &protocol.Request{
			ID:     fmt.Sprintf("poll2-%d", time.Now().UnixNano()),
			Op:     protocol.OpGetJobStatus,
			Params: s.params(protocol.JobIDParams{JobID: job.ID}),
		}), &job)
	}

	var pack protocol.PackResult
	s.decode(s.call(client, "alice-key", &protocol.Request{
		ID:     "pack",
		Op:     protocol.OpGetPack,
		Params: s.params(protocol.JobIDParams{JobID: job.ID}),
	}), &pack)
	s.Equal(job.ID, pack.Pack.JobID)
	s.NotEmpty(pack.Document)

	var balance types.CreditBalance
	s.decode(s.call(client, "alice-key", &protocol.Request{ID: "bal", Op: protocol.OpGetBalance}), &balance)
	s.EqualValues(10-int64(job.ChunkCount), balance.Credits)
}
