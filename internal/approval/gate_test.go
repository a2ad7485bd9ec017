package approval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestStaticGate(t *testing.T) {
	for _, want := range []bool{true, false} {
		got, err := StaticGate(want).RequestApproval(context.Background(), Request{Command: "ls"})
		if err != nil || got != want {
			t.Errorf("StaticGate(%v) = %v, %v", want, got, err)
		}
	}
}

func TestPromptGate(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"maybe\n", false},
	}
	for _, tc := range tests {
		t.Run(strings.TrimSpace(tc.input), func(t *testing.T) {
			var out strings.Builder
			g := NewPromptGate(strings.NewReader(tc.input), &out)
			got, err := g.RequestApproval(context.Background(), Request{Command: "git push", WorkDir: "/repo"})
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("answer %q = %v, want %v", tc.input, got, tc.want)
			}
			if !strings.Contains(out.String(), `"git push"`) {
				t.Errorf("prompt = %q", out.String())
			}
		})
	}
}

func TestPromptGate_EOF(t *testing.T) {
	var out strings.Builder
	g := NewPromptGate(strings.NewReader(""), &out)
	if _, err := g.RequestApproval(context.Background(), Request{Command: "ls"}); err == nil {
		t.Error("expected an error at end of input")
	}
}

func TestManagerGate_OperatorApproves(t *testing.T) {
	m := NewManager(time.Minute, discardLogger())
	auto := NewAutoApprover(AutoApprovalConfig{Enabled: true, RequiredApprovals: 1}, discardLogger())
	g := NewManagerGate(m, auto, discardLogger())
	req := Request{Command: "git push", WorkDir: "/repo", UserID: "alice"}

	go approveFirstPending(t, m)

	ok, err := g.RequestApproval(context.Background(), req)
	if err != nil || !ok {
		t.Fatalf("RequestApproval = %v, %v", ok, err)
	}

	// One manual approval is enough for the next identical request.
	ok, err = g.RequestApproval(context.Background(), req)
	if err != nil || !ok {
		t.Errorf("auto approval = %v, %v", ok, err)
	}
}

func TestManagerGate_Expired(t *testing.T) {
	g := NewManagerGate(NewManager(20*time.Millisecond, discardLogger()), nil, discardLogger())
	ok, err := g.RequestApproval(context.Background(), Request{Command: "ls"})
	if err != nil || ok {
		t.Errorf("RequestApproval = %v, %v; want false, nil", ok, err)
	}
}

func TestManagerGate_ContextCanceled(t *testing.T) {
	m := NewManager(time.Minute, discardLogger())
	g := NewManagerGate(m, nil, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.RequestApproval(ctx, Request{Command: "ls"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	list := m.List(context.Background())
	if len(list) != 1 || list[0].Status != StatusDenied {
		t.Errorf("abandoned approval = %+v, want denied", list)
	}
}

func approveFirstPending(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, pa := range m.List(context.Background()) {
			if pa.Status == StatusPending {
				if err := m.Approve(context.Background(), pa.ID, "operator"); err != nil {
					t.Error(err)
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("no pending approval appeared")
}
