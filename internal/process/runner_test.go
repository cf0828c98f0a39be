package process

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// mockExec records calls and returns configured results.
type mockExec struct {
	calls   []Command
	results []mockResult
	callIdx int
}

type mockResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	Block    bool // wait for ctx to expire
}

func (m *mockExec) Exec(ctx context.Context, cmd Command) ([]byte, []byte, int, error) {
	m.calls = append(m.calls, cmd)
	if m.callIdx >= len(m.results) {
		return nil, nil, 0, nil
	}
	r := m.results[m.callIdx]
	m.callIdx++
	if r.Block {
		<-ctx.Done()
		return []byte(r.Stdout), nil, -1, ctx.Err()
	}
	return []byte(r.Stdout), []byte(r.Stderr), r.ExitCode, r.Err
}

func TestRun_HappyPath(t *testing.T) {
	mock := &mockExec{results: []mockResult{{Stdout: "ok\n"}}}
	r := NewRunner(mock, nil)

	res := r.Run(context.Background(), Command{Args: []string{"python", "-V"}, Dir: "/tmp/x"})

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Stdout != "ok\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if len(mock.calls) != 1 || mock.calls[0].Dir != "/tmp/x" {
		t.Errorf("calls = %+v", mock.calls)
	}
	if strings.Join(res.Command, " ") != "python -V" {
		t.Errorf("command = %v", res.Command)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	mock := &mockExec{results: []mockResult{{Stderr: "boom", ExitCode: 2}}}
	res := NewRunner(mock, nil).Run(context.Background(), Command{Args: []string{"false"}})

	if res.Success {
		t.Error("expected failure")
	}
	if res.ExitCode != 2 {
		t.Errorf("exit code = %d, want 2", res.ExitCode)
	}
	if res.TimedOut {
		t.Error("not a timeout")
	}
}

func TestRun_SpawnErrorBecomesResult(t *testing.T) {
	mock := &mockExec{results: []mockResult{{Err: errors.New("exec conda: executable file not found")}}}
	res := NewRunner(mock, nil).Run(context.Background(), Command{Args: []string{"conda"}})

	if res.Success {
		t.Error("expected failure")
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "executable file not found") {
		t.Errorf("stderr should carry spawn error, got %q", res.Stderr)
	}
}

func TestRun_Timeout(t *testing.T) {
	mock := &mockExec{results: []mockResult{{Stdout: "partial", Block: true}}}
	res := NewRunner(mock, nil).Run(context.Background(), Command{
		Args:    []string{"python", "start_mcp.py"},
		Timeout: 20 * time.Millisecond,
	})

	if res.Success {
		t.Error("expected failure")
	}
	if !res.TimedOut {
		t.Error("expected TimedOut")
	}
	if !strings.Contains(res.Stderr, "timeout after") {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.Stdout != "partial" {
		t.Errorf("partial stdout lost: %q", res.Stdout)
	}
}

func TestRun_TruncatesTail(t *testing.T) {
	long := strings.Repeat("a", 50) + "TAIL"
	mock := &mockExec{results: []mockResult{{Stderr: long, ExitCode: 1}}}
	r := NewRunner(mock, nil)
	r.SetTailBytes(10)

	res := r.Run(context.Background(), Command{Args: []string{"x"}})

	if !strings.HasPrefix(res.Stderr, "…(truncated)\n") {
		t.Errorf("missing truncation marker: %q", res.Stderr)
	}
	if !strings.HasSuffix(res.Stderr, "TAIL") {
		t.Errorf("tail lost: %q", res.Stderr)
	}
}

func TestTail_RuneBoundary(t *testing.T) {
	s := "ééééé" // 2 bytes each
	got := Tail(s, 3)
	body := strings.TrimPrefix(got, "…(truncated)\n")
	if body != "é" {
		t.Errorf("Tail = %q, want one whole rune", body)
	}
}

func TestDecode_Lossy(t *testing.T) {
	got := Decode([]byte{'o', 'k', 0xff, 0xfe, '!'})
	if !strings.HasPrefix(got, "ok") || !strings.HasSuffix(got, "!") {
		t.Errorf("Decode = %q", got)
	}
	if !strings.Contains(got, "�") {
		t.Errorf("invalid bytes should become U+FFFD, got %q", got)
	}
}

func TestOSExecutor_Echo(t *testing.T) {
	res := NewRunner(OSExecutor{}, nil).Run(context.Background(), Command{Args: []string{"sh", "-c", "echo hi; echo err >&2; exit 3"}})
	if res.ExitCode != 3 {
		t.Fatalf("exit = %d, stderr=%q", res.ExitCode, res.Stderr)
	}
	if strings.TrimSpace(res.Stdout) != "hi" || strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("stdout=%q stderr=%q", res.Stdout, res.Stderr)
	}
}

func TestOSExecutor_MissingBinary(t *testing.T) {
	res := NewRunner(OSExecutor{}, nil).Run(context.Background(), Command{Args: []string{"definitely-not-a-real-binary-xyz"}})
	if res.Success || res.ExitCode != -1 {
		t.Errorf("expected spawn failure, got %+v", res)
	}
}
