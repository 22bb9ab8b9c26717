// Package repl runs untrusted code in persistent interpreter subprocesses.
//
// # Overview
//
// One Engine exists per guest language. Each Engine owns a registry of
// Sessions keyed by a caller-chosen id, and each Session owns at most one
// interpreter subprocess. Variables and definitions persist between calls
// on the same session because the subprocess stays alive between them.
//
// # Basic Usage
//
//	h, err := repl.StartEngines(ctx, repl.Config{
//	    Engines: []repl.EngineConfig{{Profile: repl.DefaultProfile(repl.Python)}},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Shutdown(context.Background())
//
//	h.Eval(ctx, repl.Request{Code: "x = 10", Language: "python", SessionID: "s1"})
//	res, _ := h.Eval(ctx, repl.Request{Code: "print(x)", Language: "python", SessionID: "s1"})
//	// res.Output == []repl.Line{{Stream: repl.Stdout, Text: "10"}}
//
// # Framing
//
// A REPL has no native end-of-command signal, so every call is terminated
// by a sentinel token that the interpreter driver echoes once the code has
// run. Tokens combine a per-session counter with 128 random bits and are
// never reused, so guest code cannot predict the token of a later call.
//
// # Timeouts
//
// A call that exceeds its timeout kills the subprocess. The session then
// respawns a fresh interpreter on its next call and all previous state is
// lost.
package repl
