package workload

import (
	"bytes"
	"errors"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/kolkov/specpriv/internal/specpriv/config"
	"github.com/kolkov/specpriv/internal/specpriv/executive"
)

func start(t *testing.T, workers, g int) (*executive.Executive, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default() error: %v", err)
	}
	cfg.Workers = workers
	cfg.Granularity = g
	cfg.HeapSize = 1 << 20
	cfg.ShmDir = t.TempDir()

	logger, _ := logtest.NewNullLogger()
	out := &bytes.Buffer{}
	e := executive.New(cfg, executive.Options{
		Logger: logger,
		Stdout: out,
		Fatal:  func(err error) { t.Errorf("fatal hook called: %v", err) },
	})
	if err := e.BeginProgram(); err != nil {
		t.Fatalf("BeginProgram() error: %v", err)
	}
	t.Cleanup(func() {
		if err := e.EndProgram(); err != nil {
			t.Errorf("EndProgram() error: %v", err)
		}
	})
	return e, out
}

// TestWorkloads verifies every workload reproduces its sequential state.
func TestWorkloads(t *testing.T) {
	for _, name := range Names() {
		for _, n := range []int64{1, 37, 200} {
			t.Run(name, func(t *testing.T) {
				wl, err := Lookup(name)
				if err != nil {
					t.Fatalf("Lookup(%q) error: %v", name, err)
				}
				e, out := start(t, 4, 8)
				o, err := Execute(e, wl, n)
				if err != nil {
					t.Fatalf("Execute(%s, %d) error: %v", name, n, err)
				}
				if !o.Matches() {
					t.Errorf("%s with %d iterations: digest %x, want %x", name, n, o.Digest, o.ReferenceDigest)
				}
				if p, ok := wl.New(n).(Printer); ok {
					if got, want := out.String(), p.ExpectedOutput(); got != want {
						t.Errorf("output = %q, want %q", got, want)
					}
				}
				t.Logf("%s n=%d: %d invocations, %d recovered", name, n, o.Invocations, o.Recovered)
			})
		}
	}
}

// TestConflictRecovers verifies the conflict workload misspeculates and recovers.
func TestConflictRecovers(t *testing.T) {
	wl, err := Lookup("conflict")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	e, _ := start(t, 4, 8)
	o, err := Execute(e, wl, 64)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if len(o.Misspecs) == 0 {
		t.Errorf("no misspeculation, want at least one")
	}
	if o.Invocations != len(o.Misspecs)+1 {
		t.Errorf("Invocations = %d, want %d", o.Invocations, len(o.Misspecs)+1)
	}
	if o.Recovered == 0 {
		t.Errorf("Recovered = 0, want > 0")
	}
	if !o.Matches() {
		t.Errorf("state differs from sequential run")
	}
}

// TestLookup verifies lookups of known and unknown names.
func TestLookup(t *testing.T) {
	if _, err := Lookup("nope"); !errors.Is(err, ErrUnknown) {
		t.Errorf("Lookup(nope) error = %v, want ErrUnknown", err)
	}
	want := []string{"conflict", "io", "privatize", "reduce", "scratch"}
	got := Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestExecuteRejectsEmpty verifies a zero-length run is refused.
func TestExecuteRejectsEmpty(t *testing.T) {
	wl, _ := Lookup("privatize")
	e, _ := start(t, 2, 2)
	if _, err := Execute(e, wl, 0); err == nil {
		t.Errorf("Execute(0) succeeded, want error")
	}
}
