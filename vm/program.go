package vm

// ---------------------------------------------------------------------------
// Step contract: the engine's view of a bytecode module
// ---------------------------------------------------------------------------
//
// Opcode semantics are entirely the module's concern. The engine only needs
// three things from it: named entry points, a way to size an initial frame,
// and a single-step function whose outcome is an explicit tagged result the
// scheduler inspects after every step. Safepoints fall out of this shape:
// every step boundary is one.

// Code is a module-private code object carried in a Frame. The engine never
// inspects it beyond sizing the initial activation.
type Code interface {
	// NumLocals is the local-slot count for an activation of this code.
	NumLocals() int
}

// Module is a decoded bytecode module.
type Module interface {
	// Entry resolves a named entry point.
	Entry(name string) (Code, bool)

	// Step executes exactly one instruction of the task's innermost
	// activation, using env for every engine service (allocation,
	// globals, capabilities, spawning, synchronization). A blocking
	// instruction must leave the instruction pointer stationary and
	// return a Block outcome; it is re-executed after wakeup and must be
	// idempotent until it can complete.
	Step(env *Env, t *Task) StepOutcome
}

// OutcomeKind discriminates step outcomes.
type OutcomeKind uint8

const (
	// OutcomeContinue: the instruction retired; keep stepping.
	OutcomeContinue OutcomeKind = iota
	// OutcomeYield: the task voluntarily gives up the worker; requeue.
	OutcomeYield
	// OutcomeBlock: the task cannot proceed until woken.
	OutcomeBlock
	// OutcomeReturn: the outermost activation returned a value.
	OutcomeReturn
	// OutcomeFail: guest execution failed; the task retires Failed.
	OutcomeFail
)

// BlockKind says what a blocked task is waiting for.
type BlockKind uint8

const (
	// BlockMutex: waiting in a task-mutex FIFO queue.
	BlockMutex BlockKind = iota
	// BlockTask: awaiting another task's completion.
	BlockTask
	// BlockCapability: awaiting an offloaded capability invocation.
	BlockCapability
)

// BlockReason carries the wait target for diagnostics. Wakeup bookkeeping
// happens in Env calls before the Block outcome is returned.
type BlockReason struct {
	Kind  BlockKind
	Mutex MutexID
	Task  TaskID
}

// StepOutcome is the tagged result of executing one instruction.
type StepOutcome struct {
	Kind   OutcomeKind
	Result Value
	Err    error
	Block  BlockReason
}

// Continue retires the instruction and keeps the task running.
func Continue() StepOutcome { return StepOutcome{Kind: OutcomeContinue} }

// Yield hands the worker back to the scheduler with the task Ready.
func Yield() StepOutcome { return StepOutcome{Kind: OutcomeYield} }

// Blocked parks the task until the wait target wakes it.
func Blocked(r BlockReason) StepOutcome { return StepOutcome{Kind: OutcomeBlock, Block: r} }

// Returned retires the task with a result.
func Returned(v Value) StepOutcome { return StepOutcome{Kind: OutcomeReturn, Result: v} }

// Failed retires the task with a guest error.
func Failed(err error) StepOutcome { return StepOutcome{Kind: OutcomeFail, Err: err} }
