package vm

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kestrelvm/kestrel/wire"
)

// ---------------------------------------------------------------------------
// Capability Tests
// ---------------------------------------------------------------------------

func TestCapabilitySetLifecycle(t *testing.T) {
	cs := NewCapabilitySet()
	if _, err := cs.Resolve("fs.read"); !errors.Is(err, ErrCapabilityNotFound) {
		t.Fatalf("unknown capability: %v", err)
	}

	cs.Register("fs.read", func(args []wire.Value) (wire.Value, error) {
		return wire.FromBool(true), nil
	})
	if _, err := cs.Resolve("fs.read"); err != nil {
		t.Fatalf("granted capability: %v", err)
	}

	if !cs.Revoke("fs.read") {
		t.Fatalf("revoke of granted capability failed")
	}
	if _, err := cs.Resolve("fs.read"); !errors.Is(err, ErrCapabilityRevoked) {
		t.Fatalf("revoked capability: %v", err)
	}
	if cs.Revoke("fs.read") {
		t.Fatalf("double revoke reported success")
	}

	// Re-granting clears the revocation.
	cs.Register("fs.read", func(args []wire.Value) (wire.Value, error) {
		return wire.Null(), nil
	})
	if _, err := cs.Resolve("fs.read"); err != nil {
		t.Fatalf("re-granted capability: %v", err)
	}
}

// invokeModule invokes capability name with a freshly allocated 1 KiB
// sequence as its argument and returns the handler's result.
func invokeModule(name string, elems int) *stubModule {
	return &stubModule{entries: map[string]*stubCode{
		"main": {step: func(env *Env, t *Task, f *Frame) StepOutcome {
			switch f.IP {
			case 0:
				vals := make([]Value, elems)
				for i := range vals {
					vals[i] = FromSmallInt(int64(i))
				}
				seq, err := env.AllocSequenceFrom(vals)
				if err != nil {
					return Failed(err)
				}
				f.Push(seq)
				f.IP++
				return Continue()
			default:
				done, res, err := env.InvokeCapability(name, f.Stack)
				if !done {
					return Blocked(BlockReason{Kind: BlockCapability})
				}
				if err != nil {
					return Failed(err)
				}
				return Returned(res)
			}
		}},
	}}
}

func TestCapabilityInvocation(t *testing.T) {
	const elems = 128 // 1 KiB of value slots

	sum := func(args []wire.Value) (wire.Value, error) {
		if len(args) != 1 || args[0].Kind != wire.KindSequence {
			return wire.Null(), errors.New("want one sequence")
		}
		var total int64
		for _, e := range args[0].Seq {
			total += e.Int
		}
		return wire.FromInt(total), nil
	}

	m := testMachine(t, SchedulerOptions{Workers: 2})
	sb := m.NewSandbox(SandboxOptions{Capabilities: map[string]Handler{"sum": sum}})
	sb.Load(invokeModule("sum", elems))

	h, _ := sb.RunEntry("main", nil)
	v, err := await(t, h)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	want := int64(elems*(elems-1)) / 2
	if v.Int != want {
		t.Fatalf("sum = %v, want %d", v.Int, want)
	}
}

func TestCapabilityNotGranted(t *testing.T) {
	m := testMachine(t, SchedulerOptions{Workers: 1})
	sb := m.NewSandbox(SandboxOptions{})
	sb.Load(invokeModule("net.dial", 1))

	h, _ := sb.RunEntry("main", nil)
	_, err := await(t, h)
	if !errors.Is(err, ErrCapabilityNotFound) {
		t.Fatalf("want CapabilityNotFound through the await, got %v", err)
	}
}

// TestCapabilityRevokeNotRetroactive revokes a capability while an
// invocation is in flight; the invocation completes, the next one fails.
func TestCapabilityRevokeNotRetroactive(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(args []wire.Value) (wire.Value, error) {
		close(started)
		<-release
		return wire.FromString("done"), nil
	}

	m := testMachine(t, SchedulerOptions{Workers: 2})
	sb := m.NewSandbox(SandboxOptions{Capabilities: map[string]Handler{"slow": slow}})
	sb.Load(invokeModule("slow", 1))

	h, _ := sb.RunEntry("main", nil)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never started")
	}

	sb.Revoke("slow")
	close(release)

	v, err := await(t, h)
	if err != nil {
		t.Fatalf("in-flight invocation failed after revoke: %v", err)
	}
	if v.Str != "done" {
		t.Fatalf("result = %v", v)
	}

	h2, _ := sb.RunEntry("main", nil)
	if _, err := await(t, h2); !errors.Is(err, ErrCapabilityRevoked) {
		t.Fatalf("post-revoke invocation: %v", err)
	}
}

// TestCapabilityCrossSandbox composes two sandboxes: an entry point of one
// is granted to the other as a capability, and a 1 KiB array crosses both
// boundaries by copy.
func TestCapabilityCrossSandbox(t *testing.T) {
	m := testMachine(t, SchedulerOptions{Workers: 2})

	provider := m.NewSandbox(SandboxOptions{})
	provider.Load(&stubModule{entries: map[string]*stubCode{
		"count": {locals: 1, step: func(env *Env, t *Task, f *Frame) StepOutcome {
			arg := f.Locals[0]
			if !arg.IsObject() || arg.Object().Kind() != KindSequence {
				return Failed(errors.New("want a sequence"))
			}
			return Returned(FromSmallInt(int64(arg.Object().Len())))
		}},
	}})

	consumer := m.NewSandbox(SandboxOptions{
		Capabilities: map[string]Handler{"count": provider.EntryHandler("count")},
	})
	consumer.Load(invokeModule("count", 128))

	h, _ := consumer.RunEntry("main", nil)
	v, err := await(t, h)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if v.Int != 128 {
		t.Fatalf("count = %v, want 128", v.Int)
	}

	// The provider's heap charges are its own.
	if provider.Stats().HeapPeak == 0 {
		t.Fatalf("provider never allocated the copied argument")
	}
}

func TestCapabilityHandlerFailureIsGuestError(t *testing.T) {
	boom := func(args []wire.Value) (wire.Value, error) {
		return wire.Null(), errors.New("handler exploded")
	}
	m := testMachine(t, SchedulerOptions{Workers: 1})
	sb := m.NewSandbox(SandboxOptions{Capabilities: map[string]Handler{"boom": boom}})
	sb.Load(invokeModule("boom", 1))

	h, _ := sb.RunEntry("main", nil)
	_, err := await(t, h)
	ge, ok := AsGuestError(err)
	if !ok || !strings.Contains(ge.Message, "handler exploded") {
		t.Fatalf("want guest error carrying the handler failure, got %v", err)
	}
}
