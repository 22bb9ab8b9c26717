// Package repltest provides a fake interpreter that speaks the driver
// protocol, so engines can be tested without python3 or node installed.
//
// The fake runs inside the test binary itself. Packages that use it must
// call Main from TestMain:
//
//	func TestMain(m *testing.M) {
//	    repltest.Main()
//	    os.Exit(m.Run())
//	}
//
// Each request is a newline-separated script of commands:
//
//	print TEXT     write TEXT to stdout
//	eprint TEXT    write TEXT to stderr
//	partial TEXT   write TEXT to stdout without a newline
//	set NAME VAL   store a variable
//	get NAME       print a variable, or a NameError on stderr
//	sleep DUR      sleep for a time.ParseDuration value
//	loop           never return
//	flood N        write N bytes of stdout in 64 byte lines
//	fatal TEXT     write "FATAL: TEXT" to stderr and hang
//	exit CODE      exit immediately
package repltest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/suryatmodulus/microsandbox/internal/repl"
)

const (
	envFake = "PORTAL_FAKE_INTERPRETER"

	// FatalMarker is the stderr prefix of the fatal command.
	FatalMarker = "FATAL:"
)

// Mode selects how the fake behaves before serving requests.
type Mode string

const (
	ModeServe Mode = "serve"
	// ModeCrash exits before the readiness handshake.
	ModeCrash Mode = "crash"
	// ModeHang never answers the readiness handshake.
	ModeHang Mode = "hang"
)

// Main turns the current process into the fake interpreter when it was
// started by a Profile from this package. Otherwise it returns at once.
func Main() {
	mode := Mode(os.Getenv(envFake))
	if mode == "" {
		return
	}
	os.Exit(serve(mode))
}

// Profile returns a profile for lang that runs the fake interpreter.
func Profile(t testing.TB, lang repl.Language) repl.Profile {
	return ProfileMode(t, lang, ModeServe)
}

// ProfileMode is Profile with a startup behavior.
func ProfileMode(t testing.TB, lang repl.Language, mode Mode) repl.Profile {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("locating test binary: %v", err)
	}
	return repl.Profile{
		Language:       lang,
		Executable:     exe,
		Args:           []string{"-test.run=^$"},
		Env:            []string{envFake + "=" + string(mode)},
		StartupTimeout: 5 * time.Second,
		FatalPatterns:  []string{FatalMarker},
	}
}

// Limits returns limits with short grace periods for tests.
func Limits() repl.Limits {
	return repl.Limits{
		MaxOutputBytes: 64 << 10,
		KillGrace:      time.Second,
		FenceGrace:     100 * time.Millisecond,
	}
}

type request struct {
	Code     string `json:"code"`
	Sentinel string `json:"sentinel"`
}

func serve(mode Mode) int {
	switch mode {
	case ModeCrash:
		fmt.Fprintln(os.Stderr, "fake interpreter: crashing on startup")
		return 3
	case ModeHang:
		for {
			time.Sleep(time.Hour)
		}
	}

	vars := make(map[string]string)
	in := bufio.NewReader(os.Stdin)
	for {
		raw, err := in.ReadString('\n')
		if err != nil {
			return 0
		}
		var req request
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			continue
		}
		for _, line := range strings.Split(req.Code, "\n") {
			run(strings.TrimSpace(line), vars)
		}
		fmt.Fprintln(os.Stdout, req.Sentinel)
		fmt.Fprintln(os.Stderr, req.Sentinel)
	}
}

func run(line string, vars map[string]string) {
	if line == "" {
		return
	}
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "print":
		fmt.Fprintln(os.Stdout, arg)
	case "eprint":
		fmt.Fprintln(os.Stderr, arg)
	case "partial":
		fmt.Fprint(os.Stdout, arg)
	case "set":
		name, val, _ := strings.Cut(arg, " ")
		vars[name] = val
	case "get":
		val, ok := vars[arg]
		if !ok {
			fmt.Fprintf(os.Stderr, "NameError: name '%s' is not defined\n", arg)
			return
		}
		fmt.Fprintln(os.Stdout, val)
	case "sleep":
		d, err := time.ParseDuration(arg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
		time.Sleep(d)
	case "loop":
		for {
			time.Sleep(time.Hour)
		}
	case "flood":
		n, _ := strconv.Atoi(arg)
		chunk := strings.Repeat("x", 63)
		for written := 0; written < n; written += 64 {
			fmt.Fprintln(os.Stdout, chunk)
		}
	case "fatal":
		fmt.Fprintln(os.Stderr, FatalMarker, arg)
		for {
			time.Sleep(time.Hour)
		}
	case "exit":
		code, _ := strconv.Atoi(arg)
		os.Exit(code)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
	}
}
