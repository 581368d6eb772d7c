package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burpheart/proxycord/pkg/types"
)

func startUpstream(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					req, err := http.ReadRequest(br)
					if err != nil {
						return
					}
					io.Copy(io.Discard, req.Body)
					fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\n\r\n%s",
						len(req.URL.Path), req.URL.Path)
				}
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func testConfig(t *testing.T) *types.Config {
	t.Helper()
	upstream := startUpstream(t)
	cfg := types.DefaultConfig()
	cfg.LocalHost = "127.0.0.1"
	cfg.LocalPort = 0
	cfg.RemoteHost = "127.0.0.1"
	cfg.RemotePort = upstream.Port
	cfg.Workers = 4
	return cfg
}

func startApp(t *testing.T, cfg *types.Config, opts ...Option) *App {
	t.Helper()
	a, err := New(cfg, nil, opts...)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)
	return a
}

func get(t *testing.T, addr net.Addr, path string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: test\r\n\r\n", path)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := types.DefaultConfig()
	_, err := New(cfg, nil)
	assert.ErrorContains(t, err, "remote host")
}

func TestRecordsExchangesAndMarks(t *testing.T) {
	a := startApp(t, testConfig(t))

	a.Mark("start")
	assert.Equal(t, "/hello", get(t, a.Addr(), "/hello"))
	require.Eventually(t, func() bool { return a.StepCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	a.Mark("")

	steps := a.List(0)
	require.Len(t, steps, 3)
	assert.Equal(t, "Mark: start", steps[0].String())
	assert.Equal(t, "GET /hello => status 200, 6 bytes", steps[1].String())
	assert.Equal(t, "Mark: unnamed", steps[2].String())

	assert.Len(t, a.List(2), 2)
	assert.Equal(t, 2, a.Drop(2))
	assert.Equal(t, 1, a.StepCount())
	assert.Zero(t, a.Drop(0))
}

func TestStartBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig(t)
	cfg.LocalPort = taken.Addr().(*net.TCPAddr).Port

	a, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Error(t, a.Start(context.Background()))
	assert.Nil(t, a.Addr())

	a.Stop()
	<-a.Done()
}

func TestStartTwice(t *testing.T) {
	a := startApp(t, testConfig(t))
	assert.Error(t, a.Start(context.Background()))
}

func TestStopIsIdempotent(t *testing.T) {
	a := startApp(t, testConfig(t))
	addr := a.Addr()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Stop()
		}()
	}
	wg.Wait()

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after Stop")
	}
	assert.Zero(t, a.ActivePairs())

	_, err := net.DialTimeout("tcp", addr.String(), time.Second)
	assert.Error(t, err)
}

func TestStopClosesLivePairs(t *testing.T) {
	a := startApp(t, testConfig(t))

	conn, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return a.ActivePairs() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), a.Accepted())

	a.Stop()
	assert.Zero(t, a.ActivePairs())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestWriteRecordingToStdout(t *testing.T) {
	var out bytes.Buffer
	a := startApp(t, testConfig(t), WithStdout(&out))
	a.Mark("only")
	a.Stop()

	require.NoError(t, a.WriteRecording())
	assert.JSONEq(t, `{"steps":[{"type":"Mark","name":"only"}]}`, out.String())
}

func TestWriteRecordingToFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.OutFile = filepath.Join(t.TempDir(), "recording.json")
	a := startApp(t, cfg)

	get(t, a.Addr(), "/file")
	require.Eventually(t, func() bool { return a.StepCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	a.Stop()
	require.NoError(t, a.WriteRecording())

	data, err := os.ReadFile(cfg.OutFile)
	require.NoError(t, err)

	var rec struct {
		Steps []struct {
			Type    string `json:"type"`
			Request struct {
				Verb string `json:"verb"`
				Path string `json:"path"`
			} `json:"request"`
			Response struct {
				Status        int    `json:"status"`
				ContentAsText string `json:"contentastext"`
			} `json:"response"`
		} `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Len(t, rec.Steps, 1)
	assert.Equal(t, "HttpRequestResponse", rec.Steps[0].Type)
	assert.Equal(t, "GET", rec.Steps[0].Request.Verb)
	assert.Equal(t, "/file", rec.Steps[0].Request.Path)
	assert.Equal(t, 200, rec.Steps[0].Response.Status)
	assert.Equal(t, "/file", rec.Steps[0].Response.ContentAsText)
}

func TestWriteRecordingBadPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.OutFile = filepath.Join(t.TempDir(), "missing", "recording.json")
	a, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Error(t, a.WriteRecording())
}

func TestAPIEnabled(t *testing.T) {
	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := free.Addr().(*net.TCPAddr).Port
	free.Close()

	cfg := testConfig(t)
	cfg.APIPort = port
	a := startApp(t, cfg)
	require.NotNil(t, a.APIAddr())

	resp, err := http.Post("http://127.0.0.1:"+strconv.Itoa(port)+"/api/mark?name=viaapi", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Mark: viaapi", a.List(1)[0].String())

	resp, err = http.Post("http://127.0.0.1:"+strconv.Itoa(port)+"/api/shutdown", "", nil)
	require.NoError(t, err)
	resp.Body.Close()

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("api shutdown did not stop the app")
	}
}
