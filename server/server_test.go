package server

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/kestrelvm/kestrel/bytecode"
	"github.com/kestrelvm/kestrel/vm"
	"github.com/kestrelvm/kestrel/wire"
)

// counterModuleBlob builds and encodes a module with three entry points:
// init zeroes the global counter, add bumps it by its argument and returns
// the new value, and spin loops forever.
func counterModuleBlob(t *testing.T) []byte {
	t.Helper()
	b := bytecode.NewBuilder("counter")

	fb := b.Function("init", 0, 0)
	fb.PushInt(0).StoreGlobal("n")
	fb.Emit(bytecode.OpReturnNil)

	fb = b.Function("add", 1, 0)
	fb.LoadGlobal("n").LoadLocal(0).Emit(bytecode.OpAdd)
	fb.Emit(bytecode.OpDUP).StoreGlobal("n")
	fb.Emit(bytecode.OpReturn)

	fb = b.Function("spin", 0, 0)
	fb.Jump(0)

	blob, err := b.Build().Encode()
	if err != nil {
		t.Fatalf("encode module: %v", err)
	}
	return blob
}

// testClient bundles one connect client per procedure against a test server.
type testClient struct {
	create    *connect.Client[CreateSandboxRequest, CreateSandboxResponse]
	load      *connect.Client[LoadModuleRequest, LoadModuleResponse]
	run       *connect.Client[RunEntryRequest, RunEntryResponse]
	await     *connect.Client[AwaitRequest, AwaitResponse]
	cancel    *connect.Client[CancelRequest, CancelResponse]
	stats     *connect.Client[StatsRequest, StatsResponse]
	terminate *connect.Client[TerminateRequest, TerminateResponse]
	freeze    *connect.Client[FreezeRequest, FreezeResponse]
	thaw      *connect.Client[ThawRequest, ThawResponse]
}

func startTestServer(t *testing.T, defaults vm.ResourceLimits) *testClient {
	t.Helper()
	machine := vm.NewMachine(vm.SchedulerOptions{Workers: 2})
	machine.Start()
	t.Cleanup(machine.Close)

	srv := New(machine, defaults)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	codec := connect.WithClientOptions(connect.WithCodec(cborCodec{}))
	return &testClient{
		create:    connect.NewClient[CreateSandboxRequest, CreateSandboxResponse](ts.Client(), ts.URL+ProcCreateSandbox, codec),
		load:      connect.NewClient[LoadModuleRequest, LoadModuleResponse](ts.Client(), ts.URL+ProcLoadModule, codec),
		run:       connect.NewClient[RunEntryRequest, RunEntryResponse](ts.Client(), ts.URL+ProcRunEntry, codec),
		await:     connect.NewClient[AwaitRequest, AwaitResponse](ts.Client(), ts.URL+ProcAwait, codec),
		cancel:    connect.NewClient[CancelRequest, CancelResponse](ts.Client(), ts.URL+ProcCancel, codec),
		stats:     connect.NewClient[StatsRequest, StatsResponse](ts.Client(), ts.URL+ProcStats, codec),
		terminate: connect.NewClient[TerminateRequest, TerminateResponse](ts.Client(), ts.URL+ProcTerminate, codec),
		freeze:    connect.NewClient[FreezeRequest, FreezeResponse](ts.Client(), ts.URL+ProcFreeze, codec),
		thaw:      connect.NewClient[ThawRequest, ThawResponse](ts.Client(), ts.URL+ProcThaw, codec),
	}
}

// runAndAwait drives one entry point to completion over the wire.
func (c *testClient) runAndAwait(t *testing.T, ctxID uint64, entry string, args []wire.Value) *AwaitResponse {
	t.Helper()
	ctx := context.Background()
	run, err := c.run.CallUnary(ctx, connect.NewRequest(&RunEntryRequest{
		ContextID: ctxID, Entry: entry, Args: args,
	}))
	if err != nil {
		t.Fatalf("RunEntry %q: %v", entry, err)
	}
	aw, err := c.await.CallUnary(ctx, connect.NewRequest(&AwaitRequest{
		ContextID: ctxID, TaskID: run.Msg.TaskID, TimeoutMillis: 10000,
	}))
	if err != nil {
		t.Fatalf("Await %q: %v", entry, err)
	}
	return aw.Msg
}

func TestServerRunRoundTrip(t *testing.T) {
	c := startTestServer(t, vm.ResourceLimits{HeapBytes: 1 << 20, Tasks: 16})
	ctx := context.Background()

	created, err := c.create.CallUnary(ctx, connect.NewRequest(&CreateSandboxRequest{}))
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	id := created.Msg.ContextID

	loaded, err := c.load.CallUnary(ctx, connect.NewRequest(&LoadModuleRequest{
		ContextID: id, Module: counterModuleBlob(t),
	}))
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	want := []string{"add", "init", "spin"}
	if len(loaded.Msg.Functions) != len(want) {
		t.Fatalf("functions = %v, want %v", loaded.Msg.Functions, want)
	}
	for i, name := range want {
		if loaded.Msg.Functions[i] != name {
			t.Fatalf("functions = %v, want %v", loaded.Msg.Functions, want)
		}
	}

	if aw := c.runAndAwait(t, id, "init", nil); aw.Status != "completed" {
		t.Fatalf("init status = %q (%s)", aw.Status, aw.GuestError)
	}
	aw := c.runAndAwait(t, id, "add", []wire.Value{wire.FromInt(5)})
	if aw.Status != "completed" || aw.Result.Int != 5 {
		t.Fatalf("add(5) = %+v", aw)
	}
	aw = c.runAndAwait(t, id, "add", []wire.Value{wire.FromInt(3)})
	if aw.Result.Int != 8 {
		t.Fatalf("add(3) after add(5) = %+v, want 8", aw)
	}

	stats, err := c.stats.CallUnary(ctx, connect.NewRequest(&StatsRequest{ContextID: id}))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Msg.HeapLimit != 1<<20 {
		t.Fatalf("heap limit = %d, want default %d", stats.Msg.HeapLimit, 1<<20)
	}
	if stats.Msg.Steps == 0 {
		t.Fatalf("no steps recorded after three runs")
	}

	if _, err := c.terminate.CallUnary(ctx, connect.NewRequest(&TerminateRequest{ContextID: id})); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	_, err = c.terminate.CallUnary(ctx, connect.NewRequest(&TerminateRequest{ContextID: id}))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Fatalf("second Terminate code = %v, want not_found", connect.CodeOf(err))
	}
}

func TestServerGuestErrorInBody(t *testing.T) {
	c := startTestServer(t, vm.Unlimited())
	ctx := context.Background()

	created, _ := c.create.CallUnary(ctx, connect.NewRequest(&CreateSandboxRequest{Steps: 1000}))
	id := created.Msg.ContextID
	if _, err := c.load.CallUnary(ctx, connect.NewRequest(&LoadModuleRequest{
		ContextID: id, Module: counterModuleBlob(t),
	})); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}

	// The step budget kills the spin loop; the failure is payload, not an
	// rpc error.
	aw := c.runAndAwait(t, id, "spin", nil)
	if aw.Status != "failed" || aw.GuestError == "" {
		t.Fatalf("spin under budget = %+v, want failed with message", aw)
	}
}

func TestServerCancelOverWire(t *testing.T) {
	c := startTestServer(t, vm.Unlimited())
	ctx := context.Background()

	created, _ := c.create.CallUnary(ctx, connect.NewRequest(&CreateSandboxRequest{}))
	id := created.Msg.ContextID
	if _, err := c.load.CallUnary(ctx, connect.NewRequest(&LoadModuleRequest{
		ContextID: id, Module: counterModuleBlob(t),
	})); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}

	run, err := c.run.CallUnary(ctx, connect.NewRequest(&RunEntryRequest{ContextID: id, Entry: "spin"}))
	if err != nil {
		t.Fatalf("RunEntry: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := c.cancel.CallUnary(ctx, connect.NewRequest(&CancelRequest{
		ContextID: id, TaskID: run.Msg.TaskID,
	})); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	aw, err := c.await.CallUnary(ctx, connect.NewRequest(&AwaitRequest{
		ContextID: id, TaskID: run.Msg.TaskID, TimeoutMillis: 10000,
	}))
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if aw.Msg.Status != "cancelled" {
		t.Fatalf("status = %q, want cancelled", aw.Msg.Status)
	}
}

func TestServerFreezeThaw(t *testing.T) {
	c := startTestServer(t, vm.ResourceLimits{HeapBytes: 1 << 20, Tasks: 16})
	ctx := context.Background()

	created, _ := c.create.CallUnary(ctx, connect.NewRequest(&CreateSandboxRequest{}))
	id := created.Msg.ContextID
	if _, err := c.load.CallUnary(ctx, connect.NewRequest(&LoadModuleRequest{
		ContextID: id, Module: counterModuleBlob(t),
	})); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	c.runAndAwait(t, id, "init", nil)
	c.runAndAwait(t, id, "add", []wire.Value{wire.FromInt(7)})

	frozen, err := c.freeze.CallUnary(ctx, connect.NewRequest(&FreezeRequest{ContextID: id}))
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	thawed, err := c.thaw.CallUnary(ctx, connect.NewRequest(&ThawRequest{Snapshot: frozen.Msg.Snapshot}))
	if err != nil {
		t.Fatalf("Thaw: %v", err)
	}
	if thawed.Msg.ContextID == id {
		t.Fatalf("thaw reused context id %d", id)
	}

	// The restored sandbox continues from the frozen counter.
	aw := c.runAndAwait(t, thawed.Msg.ContextID, "add", []wire.Value{wire.FromInt(1)})
	if aw.Status != "completed" || aw.Result.Int != 8 {
		t.Fatalf("add(1) after thaw = %+v, want 8", aw)
	}
}

func TestServerErrorCodes(t *testing.T) {
	c := startTestServer(t, vm.Unlimited())
	ctx := context.Background()

	_, err := c.stats.CallUnary(ctx, connect.NewRequest(&StatsRequest{ContextID: 999}))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("stats on unknown context: code = %v, want not_found", connect.CodeOf(err))
	}

	created, _ := c.create.CallUnary(ctx, connect.NewRequest(&CreateSandboxRequest{}))
	id := created.Msg.ContextID

	// No module loaded yet.
	_, err = c.run.CallUnary(ctx, connect.NewRequest(&RunEntryRequest{ContextID: id, Entry: "main"}))
	if connect.CodeOf(err) != connect.CodeFailedPrecondition {
		t.Errorf("run without module: code = %v, want failed_precondition", connect.CodeOf(err))
	}

	if _, lerr := c.load.CallUnary(ctx, connect.NewRequest(&LoadModuleRequest{
		ContextID: id, Module: counterModuleBlob(t),
	})); lerr != nil {
		t.Fatalf("LoadModule: %v", lerr)
	}
	_, err = c.run.CallUnary(ctx, connect.NewRequest(&RunEntryRequest{ContextID: id, Entry: "nope"}))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("run missing entry: code = %v, want not_found", connect.CodeOf(err))
	}

	_, err = c.await.CallUnary(ctx, connect.NewRequest(&AwaitRequest{ContextID: id, TaskID: 12345}))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("await unknown task: code = %v, want not_found", connect.CodeOf(err))
	}

	_, err = c.load.CallUnary(ctx, connect.NewRequest(&LoadModuleRequest{
		ContextID: id, Module: []byte("garbage"),
	}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("load garbage: code = %v, want invalid_argument", connect.CodeOf(err))
	}
}
