package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/suryatmodulus/microsandbox/internal/repl"
	"github.com/suryatmodulus/microsandbox/internal/repl/repltest"
	"github.com/suryatmodulus/microsandbox/internal/sandbox"
	"github.com/suryatmodulus/microsandbox/internal/storage"
	"github.com/suryatmodulus/microsandbox/internal/storage/sqlite"
)

func TestMain(m *testing.M) {
	repltest.Main()
	os.Exit(m.Run())
}

type testOpts struct {
	store   storage.Store
	sandbox sandbox.Sandbox
}

func testServer(t *testing.T, opts testOpts) *Server {
	t.Helper()
	h, err := repl.StartEngines(context.Background(), repl.Config{
		Engines: []repl.EngineConfig{{Profile: repltest.Profile(t, repl.Python), Required: true}},
		Limits:  repltest.Limits(),
	})
	if err != nil {
		t.Fatalf("StartEngines: %v", err)
	}
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return New(h, opts.store, opts.sandbox)
}

type testResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      json.RawMessage `json:"id"`
}

func call(t *testing.T, s *Server, body string) (int, testResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rpc", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp testResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return rec.Code, resp
}

func runCode(t *testing.T, s *Server, session, code string) replRunResult {
	t.Helper()
	params, _ := json.Marshal(replRunParams{Code: code, Language: "python", SessionID: session})
	status, resp := call(t, s, `{"jsonrpc":"2.0","method":"sandbox.repl.run","id":1,"params":`+string(params)+`}`)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("sandbox.repl.run: status %d, error %v", status, resp.Error)
	}
	var out replRunResult
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	s := testServer(t, testOpts{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("expected JSON content type, got %q", got)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	want := healthResponse{Status: "ok", Languages: []string{"python"}}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("health mismatch (-want +got):\n%s", diff)
	}
}

func TestReplRunKeepsState(t *testing.T) {
	s := testServer(t, testOpts{})

	runCode(t, s, "s1", "set x 42")
	out := runCode(t, s, "s1", "get x\neprint warn")

	if out.Status != storage.StatusSuccess {
		t.Errorf("expected success, got %q (%s)", out.Status, out.Error)
	}
	want := []repl.Line{
		{Stream: repl.Stdout, Text: "42"},
		{Stream: repl.Stderr, Text: "warn"},
	}
	if diff := cmp.Diff(want, out.Output); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if out.ExecutionID == "" {
		t.Error("expected an execution id")
	}
	if out.SessionID != "s1" || out.Language != "python" {
		t.Errorf("unexpected session %q / language %q", out.SessionID, out.Language)
	}
}

func TestReplRunDefaultSession(t *testing.T) {
	s := testServer(t, testOpts{})

	runCode(t, s, "", "set y 7")
	out := runCode(t, s, repl.DefaultSessionID, "get y")
	if diff := cmp.Diff([]repl.Line{{Stream: repl.Stdout, Text: "7"}}, out.Output); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestReplRunTimeout(t *testing.T) {
	s := testServer(t, testOpts{})

	for _, field := range []string{"timeout_seconds", "timeout"} {
		t.Run(field, func(t *testing.T) {
			body := `{"jsonrpc":"2.0","method":"sandbox.repl.run","id":"a","params":{"code":"print before\nloop","language":"python","` + field + `":0.3}}`
			status, resp := call(t, s, body)
			if status != http.StatusOK {
				t.Fatalf("expected 200, got %d", status)
			}
			var out replRunResult
			if err := json.Unmarshal(resp.Result, &out); err != nil {
				t.Fatal(err)
			}
			if out.Status != storage.StatusTimeout {
				t.Errorf("expected timeout, got %q", out.Status)
			}
			if out.Error == "" {
				t.Error("expected an error message")
			}
			if string(resp.ID) != `"a"` {
				t.Errorf("expected id to be echoed, got %s", resp.ID)
			}
		})
	}
}

func TestRPCErrors(t *testing.T) {
	s := testServer(t, testOpts{})

	tests := []struct {
		name   string
		body   string
		status int
		code   int
	}{
		{"parse error", `{"jsonrpc":`, http.StatusBadRequest, codeParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"sandbox.repl.sessions","id":1}`, http.StatusBadRequest, codeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, http.StatusBadRequest, codeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","method":"sandbox.nope","id":1}`, http.StatusNotFound, codeMethodNotFound},
		{"missing params", `{"jsonrpc":"2.0","method":"sandbox.repl.run","id":1}`, http.StatusBadRequest, codeInvalidParams},
		{"missing language", `{"jsonrpc":"2.0","method":"sandbox.repl.run","id":1,"params":{"code":"print x"}}`, http.StatusBadRequest, codeInvalidParams},
		{"unsupported language", `{"jsonrpc":"2.0","method":"sandbox.repl.run","id":1,"params":{"code":"1","language":"ruby"}}`, http.StatusBadRequest, codeInvalidParams},
		{"negative timeout", `{"jsonrpc":"2.0","method":"sandbox.repl.run","id":1,"params":{"code":"1","language":"python","timeout":-1}}`, http.StatusBadRequest, codeInvalidParams},
		{"command disabled", `{"jsonrpc":"2.0","method":"sandbox.command.run","id":1,"params":{"command":"ls"}}`, http.StatusNotFound, codeMethodNotFound},
		{"close unknown session", `{"jsonrpc":"2.0","method":"sandbox.repl.close","id":1,"params":{"language":"python","session_id":"nope"}}`, http.StatusBadRequest, codeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := call(t, s, tt.body)
			if status != tt.status {
				t.Errorf("expected HTTP %d, got %d", tt.status, status)
			}
			if resp.Error == nil {
				t.Fatalf("expected an error, got result %s", resp.Result)
			}
			if resp.Error.Code != tt.code {
				t.Errorf("expected code %d, got %d (%s)", tt.code, resp.Error.Code, resp.Error.Message)
			}
			if resp.JSONRPC != jsonrpcVersion {
				t.Errorf("expected jsonrpc %q, got %q", jsonrpcVersion, resp.JSONRPC)
			}
		})
	}
}

func TestSessionsAndClose(t *testing.T) {
	s := testServer(t, testOpts{})
	runCode(t, s, "s1", "set a 1")

	_, resp := call(t, s, `{"jsonrpc":"2.0","method":"sandbox.repl.sessions","id":1}`)
	var list struct {
		Sessions []struct {
			ID    string `json:"session_id"`
			State string `json:"state"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].ID != "s1" {
		t.Fatalf("expected session s1, got %+v", list.Sessions)
	}
	if list.Sessions[0].State != "idle" {
		t.Errorf("expected idle session, got %q", list.Sessions[0].State)
	}

	status, resp := call(t, s, `{"jsonrpc":"2.0","method":"sandbox.repl.close","id":2,"params":{"language":"python","session_id":"s1"}}`)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("close: status %d, error %v", status, resp.Error)
	}

	// A new session under the same id starts with fresh state.
	out := runCode(t, s, "s1", "get a")
	if len(out.Output) != 1 || out.Output[0].Stream != repl.Stderr {
		t.Errorf("expected a NameError, got %+v", out.Output)
	}
}

func TestCloseSessionHTTP(t *testing.T) {
	s := testServer(t, testOpts{})
	runCode(t, s, "s1", "set a 1")

	tests := []struct {
		target string
		status int
	}{
		{"/api/v1/sessions/s1", http.StatusBadRequest},
		{"/api/v1/sessions/s1?language=python", http.StatusNoContent},
		{"/api/v1/sessions/s1?language=python", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, tt.target, nil))
		if rec.Code != tt.status {
			t.Errorf("DELETE %s: expected %d, got %d", tt.target, tt.status, rec.Code)
		}
	}
}

func TestExecutionsAreRecorded(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	s := testServer(t, testOpts{store: store})

	first := runCode(t, s, "hist", "print hello")
	runCode(t, s, "other", "print elsewhere")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/hist/executions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var execs []storage.Execution
	if err := json.Unmarshal(rec.Body.Bytes(), &execs); err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(execs))
	}
	if execs[0].ID != first.ExecutionID || execs[0].Code != "print hello" {
		t.Errorf("unexpected execution %+v", execs[0])
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/executions/"+first.ExecutionID[:8], nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for id prefix, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/executions/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHistoryDisabled(t *testing.T) {
	s := testServer(t, testOpts{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/x/executions", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCommandRun(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH")
	}
	policy := sandbox.DefaultPolicy()
	policy.Allowed = []string{"sh"}
	s := testServer(t, testOpts{sandbox: sandbox.NewLocalSandbox(policy, nil)})

	status, resp := call(t, s, `{"jsonrpc":"2.0","method":"sandbox.command.run","id":1,"params":{"command":"sh","args":["-c","echo hi; exit 3"]}}`)
	if status != http.StatusOK || resp.Error != nil {
		t.Fatalf("command.run: status %d, error %v", status, resp.Error)
	}
	var res sandbox.ExecResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 || res.Success {
		t.Errorf("expected exit 3, got %d (success %v)", res.ExitCode, res.Success)
	}
	if diff := cmp.Diff([]repl.Line{{Stream: repl.Stdout, Text: "hi"}}, res.Output); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}

	status, resp = call(t, s, `{"jsonrpc":"2.0","method":"sandbox.command.run","id":2,"params":{"command":"rm","args":["-rf","/"]}}`)
	if status != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Errorf("expected invalid params for a disallowed command, got %d %+v", status, resp.Error)
	}
}

func TestWebSocketStreamsOutput(t *testing.T) {
	s := testServer(t, testOpts{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := `{"jsonrpc":"2.0","method":"sandbox.repl.run","id":9,"params":{"code":"print one\neprint two","language":"python","session_id":"ws"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatal(err)
	}

	var got []outputNotification
	for {
		var msg struct {
			Method string             `json:"method"`
			Params outputNotification `json:"params"`
			Result json.RawMessage    `json:"result"`
			ID     json.RawMessage    `json:"id"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Method == methodReplOutput {
			got = append(got, msg.Params)
			continue
		}
		if string(msg.ID) != "9" {
			t.Errorf("expected response id 9, got %s", msg.ID)
		}
		var out replRunResult
		if err := json.Unmarshal(msg.Result, &out); err != nil {
			t.Fatal(err)
		}
		if out.Status != storage.StatusSuccess {
			t.Errorf("expected success, got %q", out.Status)
		}
		for _, n := range got {
			if n.ExecutionID != out.ExecutionID || n.SessionID != "ws" {
				t.Errorf("notification %+v does not match execution %s", n, out.ExecutionID)
			}
		}
		break
	}

	var texts []string
	for _, n := range got {
		texts = append(texts, n.Stream.String()+":"+n.Text)
	}
	if diff := cmp.Diff([]string{"stdout:one", "stderr:two"}, texts); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	var resp testResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != codeParseError {
		t.Errorf("expected a parse error, got %+v", resp)
	}
}

func dialWebSocket(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wsResponse struct {
	ID     json.RawMessage `json:"id"`
	Result replRunResult   `json:"result"`
}

// readResponses returns the next n responses, skipping notifications.
func readResponses(t *testing.T, conn *websocket.Conn, n int) []wsResponse {
	t.Helper()
	var out []wsResponse
	for len(out) < n {
		var msg struct {
			Method string `json:"method"`
			wsResponse
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Method != "" {
			continue
		}
		out = append(out, msg.wsResponse)
	}
	return out
}

func TestWebSocketKeepsSessionOrder(t *testing.T) {
	s := testServer(t, testOpts{})
	conn := dialWebSocket(t, s)

	for i, code := range []string{"set x 10", "get x"} {
		req := fmt.Sprintf(`{"jsonrpc":"2.0","method":"sandbox.repl.run","id":%d,"params":{"code":%q,"language":"python","session_id":"p"}}`, i+1, code)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
			t.Fatal(err)
		}
	}

	resps := readResponses(t, conn, 2)
	if string(resps[0].ID) != "1" || string(resps[1].ID) != "2" {
		t.Fatalf("expected responses 1 then 2, got %s then %s", resps[0].ID, resps[1].ID)
	}
	got := resps[1].Result
	if got.Status != storage.StatusSuccess {
		t.Fatalf("expected the read to succeed, got %q (%+v)", got.Status, got.Output)
	}
	want := []repl.Line{{Stream: repl.Stdout, Text: "10"}}
	if diff := cmp.Diff(want, got.Output); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestWebSocketRunsSessionCallsInArrivalOrder(t *testing.T) {
	s := testServer(t, testOpts{})
	conn := dialWebSocket(t, s)

	const n = 50
	for i := 1; i <= n; i++ {
		// "py" and "python" name the same session.
		lang := "python"
		if i%2 == 0 {
			lang = "py"
		}
		req := fmt.Sprintf(`{"jsonrpc":"2.0","method":"sandbox.repl.run","id":%d,"params":{"code":"print %d","language":%q,"session_id":"order"}}`, i, i, lang)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
			t.Fatal(err)
		}
	}

	var ids, printed []string
	for _, r := range readResponses(t, conn, n) {
		ids = append(ids, string(r.ID))
		for _, l := range r.Result.Output {
			printed = append(printed, l.Text)
		}
	}
	var want []string
	for i := 1; i <= n; i++ {
		want = append(want, fmt.Sprint(i))
	}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("response order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, printed); diff != "" {
		t.Errorf("execution order mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionKey(t *testing.T) {
	tests := []struct {
		name string
		req  rpcRequest
		want string
	}{
		{"run", rpcRequest{Method: methodReplRun, Params: json.RawMessage(`{"language":"python","session_id":"a"}`)}, "python/a"},
		{"alias", rpcRequest{Method: methodReplRun, Params: json.RawMessage(`{"language":"JS","session_id":"a"}`)}, "nodejs/a"},
		{"default session", rpcRequest{Method: methodReplClose, Params: json.RawMessage(`{"language":"python"}`)}, "python/" + repl.DefaultSessionID},
		{"unkeyed", rpcRequest{Method: methodCommandRun, Params: json.RawMessage(`{"command":"true"}`)}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sessionKey(&tt.req); got != tt.want {
				t.Errorf("sessionKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
