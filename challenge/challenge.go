// Package challenge implements the two-party interactive dispute game. A
// challenge narrows a disagreement over numBlocks of execution down to a
// single machine step in O(log n) bisection rounds; the final step is settled
// by the one-step verifier. Liveness comes from per-party chess clocks: a
// responder that stalls past its remaining time loses to anyone calling
// Timeout. There is no internal concurrency — every move is one atomic,
// fully validated state transition.
package challenge

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rollgate/rollgate/machine"
	"github.com/rollgate/rollgate/osp"
)

var (
	ErrNoChallenge          = errors.New("no such challenge")
	ErrNotAuthorized        = errors.New("not authorized")
	ErrNotYourTurn          = errors.New("caller is not the current responder")
	ErrTimedOut             = errors.New("current responder's clock is exhausted")
	ErrTimeoutDeadline      = errors.New("responder still has time left")
	ErrWrongChallengeMode   = errors.New("wrong challenge mode for this move")
	ErrSegmentsMismatch     = errors.New("claimed segments do not match the challenge state hash")
	ErrInvalidSelection     = errors.New("invalid segment selection")
	ErrTooShort             = errors.New("segment spans one step, submit a one-step proof")
	ErrTooLong              = errors.New("segment spans multiple steps, bisect further")
	ErrWrongDegree          = errors.New("wrong number of new segments")
	ErrWrongStart           = errors.New("new segments must start at the selected boundary")
	ErrSameEnd              = errors.New("new segments end with the hash being disputed")
	ErrInvalidMachineStatus = errors.New("invalid machine status for this transition")
	ErrTooManySteps         = errors.New("step count out of range")
)

// MaxChallengeDegree bounds how many segments one bisection round may emit.
const MaxChallengeDegree = 40

// MaxExecutionSteps bounds a single block's claimed instruction count.
const MaxExecutionSteps = uint64(1) << 43

type Mode uint8

const (
	ModeNone Mode = iota
	ModeBlock
	ModeExecution
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeBlock:
		return "block"
	case ModeExecution:
		return "execution"
	default:
		return fmt.Sprintf("invalid<%d>", uint8(m))
	}
}

// Clock supplies the host chain's monotonic timestamp. Deadlines are checked
// synchronously against it; nothing in this package blocks or sleeps.
type Clock interface {
	Timestamp() uint64
}

// ResultReceiver is the external party (the ledger / consensus layer) that
// applies a challenge verdict.
type ResultReceiver interface {
	CompleteChallenge(index uint64, winner, loser common.Address)
}

// OneStepVerifier adjudicates the final disputed step.
type OneStepVerifier interface {
	ProveOneStep(ctx osp.ExecutionContext, step uint64, beforeHash common.Hash, proof []byte) (common.Hash, error)
}

type Participant struct {
	Addr     common.Address `json:"addr"`
	TimeLeft uint64         `json:"timeLeft"`
}

type Challenge struct {
	Current Participant `json:"current"`
	Next    Participant `json:"next"`

	LastMoveTimestamp  uint64      `json:"lastMoveTimestamp"`
	WasmModuleRoot     common.Hash `json:"wasmModuleRoot"`
	ChallengeStateHash common.Hash `json:"challengeStateHash"`
	MaxInboxMessages   uint64      `json:"maxInboxMessages"`
	Mode               Mode        `json:"mode"`
}

type Manager struct {
	clock    Clock
	owner    common.Address
	verifier OneStepVerifier
	inbox    osp.InboxReader
	results  ResultReceiver

	challenges map[uint64]*Challenge
	nextIndex  uint64
}

func NewManager(clock Clock, owner common.Address, verifier OneStepVerifier, inbox osp.InboxReader, results ResultReceiver) *Manager {
	return &Manager{
		clock:      clock,
		owner:      owner,
		verifier:   verifier,
		inbox:      inbox,
		results:    results,
		challenges: make(map[uint64]*Challenge),
	}
}

// CreateChallenge opens a block-mode dispute between an asserter and a
// challenger whose claimed post-states for the same pre-state diverge. The
// challenger responds first.
func (m *Manager) CreateChallenge(
	wasmModuleRoot common.Hash,
	startAndEndStatuses [2]machine.Status,
	startAndEndGlobalStates [2]machine.GlobalState,
	numBlocks uint64,
	asserter, challenger common.Address,
	asserterTimeLeft, challengerTimeLeft uint64,
	maxInboxMessages uint64,
) (uint64, error) {
	if numBlocks == 0 {
		return 0, fmt.Errorf("%w: zero blocks", ErrInvalidSelection)
	}
	segments := []common.Hash{
		BlockStateHash(startAndEndStatuses[0], startAndEndGlobalStates[0].Hash()),
		BlockStateHash(startAndEndStatuses[1], startAndEndGlobalStates[1].Hash()),
	}
	index := m.nextIndex
	m.nextIndex++
	m.challenges[index] = &Challenge{
		Current:            Participant{Addr: challenger, TimeLeft: challengerTimeLeft},
		Next:               Participant{Addr: asserter, TimeLeft: asserterTimeLeft},
		LastMoveTimestamp:  m.clock.Timestamp(),
		WasmModuleRoot:     wasmModuleRoot,
		ChallengeStateHash: HashChallengeState(0, numBlocks, segments),
		MaxInboxMessages:   maxInboxMessages,
		Mode:               ModeBlock,
	}
	return index, nil
}

// beginMove runs the validation shared by every responder move: the record
// exists, it is the caller's turn, the clock has not run out, and the claimed
// prior segments match the committed challenge state.
func (m *Manager) beginMove(
	index uint64,
	caller common.Address,
	oldSegmentsStart, oldSegmentsLength uint64,
	oldSegments []common.Hash,
	pos uint64,
) (*Challenge, uint64, uint64, error) {
	ch, ok := m.challenges[index]
	if !ok {
		return nil, 0, 0, ErrNoChallenge
	}
	if caller != ch.Current.Addr {
		return nil, 0, 0, ErrNotYourTurn
	}
	if m.timeUsed(ch) > ch.Current.TimeLeft {
		return nil, 0, 0, ErrTimedOut
	}
	if len(oldSegments) < 2 {
		return nil, 0, 0, fmt.Errorf("%w: need at least two boundaries", ErrInvalidSelection)
	}
	if HashChallengeState(oldSegmentsStart, oldSegmentsLength, oldSegments) != ch.ChallengeStateHash {
		return nil, 0, 0, ErrSegmentsMismatch
	}
	segStart, segLen, err := extractSegment(oldSegmentsStart, oldSegmentsLength, oldSegments, pos)
	if err != nil {
		return nil, 0, 0, err
	}
	return ch, segStart, segLen, nil
}

// completeMove debits the mover's clock and swaps the roles.
func (m *Manager) completeMove(ch *Challenge) {
	now := m.clock.Timestamp()
	ch.Current.TimeLeft -= now - ch.LastMoveTimestamp
	ch.Current, ch.Next = ch.Next, ch.Current
	ch.LastMoveTimestamp = now
}

func (m *Manager) timeUsed(ch *Challenge) uint64 {
	return m.clock.Timestamp() - ch.LastMoveTimestamp
}

// BisectExecution re-partitions the selected disputed segment into up to
// MaxChallengeDegree equal child segments (the last absorbing the remainder)
// and commits to the new boundaries. Valid in both block and execution mode.
func (m *Manager) BisectExecution(
	index uint64,
	caller common.Address,
	oldSegmentsStart, oldSegmentsLength uint64,
	oldSegments []common.Hash,
	pos uint64,
	newSegments []common.Hash,
) error {
	ch, segStart, segLen, err := m.beginMove(index, caller, oldSegmentsStart, oldSegmentsLength, oldSegments, pos)
	if err != nil {
		return err
	}
	if segLen == 1 {
		return ErrTooShort
	}
	expectedDegree := segLen
	if expectedDegree > MaxChallengeDegree {
		expectedDegree = MaxChallengeDegree
	}
	if uint64(len(newSegments)) != expectedDegree+1 {
		return fmt.Errorf("%w: got %d, expected %d", ErrWrongDegree, len(newSegments), expectedDegree+1)
	}
	if newSegments[0] != oldSegments[pos] {
		return ErrWrongStart
	}
	if newSegments[len(newSegments)-1] == oldSegments[pos+1] {
		return ErrSameEnd
	}
	ch.ChallengeStateHash = HashChallengeState(segStart, segLen, newSegments)
	m.completeMove(ch)
	return nil
}

// ChallengeExecution refines a block-mode dispute into an execution-mode one:
// on a single disputed block, the responder reveals the boundary machine
// statuses and global states, and the dispute becomes a range of numSteps
// machine steps between the canonical start machine and the halted end state.
func (m *Manager) ChallengeExecution(
	index uint64,
	caller common.Address,
	oldSegmentsStart, oldSegmentsLength uint64,
	oldSegments []common.Hash,
	pos uint64,
	machineStatuses [2]machine.Status,
	globalStates [2]machine.GlobalState,
	numSteps uint64,
) error {
	ch, _, segLen, err := m.beginMove(index, caller, oldSegmentsStart, oldSegmentsLength, oldSegments, pos)
	if err != nil {
		return err
	}
	if ch.Mode != ModeBlock {
		return ErrWrongChallengeMode
	}
	if segLen != 1 {
		return ErrTooLong
	}
	if numSteps == 0 || numSteps > MaxExecutionSteps {
		return fmt.Errorf("%w: %d", ErrTooManySteps, numSteps)
	}
	if machineStatuses[0] != machine.StatusRunning || machineStatuses[1] == machine.StatusRunning {
		return ErrInvalidMachineStatus
	}
	if BlockStateHash(machineStatuses[0], globalStates[0].Hash()) != oldSegments[pos] ||
		BlockStateHash(machineStatuses[1], globalStates[1].Hash()) != oldSegments[pos+1] {
		return ErrSegmentsMismatch
	}
	segments := []common.Hash{
		machine.NewStartMachine(globalStates[0].Hash(), ch.WasmModuleRoot).Hash(),
		machine.HaltedMachineHash(machineStatuses[1], globalStates[1].Hash()),
	}
	ch.Mode = ModeExecution
	ch.ChallengeStateHash = HashChallengeState(0, numSteps, segments)
	m.completeMove(ch)
	return nil
}

// OneStepProveExecution settles an execution dispute narrowed to exactly one
// step. The verifier recomputes the post-state from the revealed fragment; if
// the result differs from the hash the responder was disputing, the responder
// wins immediately. A malformed proof is decisive for this call — it is
// rejected, not retried.
func (m *Manager) OneStepProveExecution(
	index uint64,
	caller common.Address,
	oldSegmentsStart, oldSegmentsLength uint64,
	oldSegments []common.Hash,
	pos uint64,
	proof []byte,
) error {
	ch, segStart, segLen, err := m.beginMove(index, caller, oldSegmentsStart, oldSegmentsLength, oldSegments, pos)
	if err != nil {
		return err
	}
	if ch.Mode != ModeExecution {
		return ErrWrongChallengeMode
	}
	if segLen != 1 {
		return ErrTooLong
	}
	ctx := osp.ExecutionContext{
		MaxInboxMessagesRead: ch.MaxInboxMessages,
		Inbox:                m.inbox,
	}
	afterHash, err := m.verifier.ProveOneStep(ctx, segStart, oldSegments[pos], proof)
	if err != nil {
		return fmt.Errorf("one-step proof rejected: %w", err)
	}
	if afterHash == oldSegments[pos+1] {
		return fmt.Errorf("%w: proof confirms the disputed hash", ErrSameEnd)
	}
	m.resolve(index, ch.Current.Addr, ch.Next.Addr)
	return nil
}

// Timeout declares the non-responding party the loser once the responder's
// clock is exhausted. Callable by anyone, and terminal exactly once.
func (m *Manager) Timeout(index uint64) error {
	ch, ok := m.challenges[index]
	if !ok {
		return ErrNoChallenge
	}
	if m.timeUsed(ch) <= ch.Current.TimeLeft {
		return fmt.Errorf("%w: %d of %d seconds used", ErrTimeoutDeadline, m.timeUsed(ch), ch.Current.TimeLeft)
	}
	m.resolve(index, ch.Next.Addr, ch.Current.Addr)
	return nil
}

// Clear is the administrative escape valve: it terminates a challenge without
// declaring a winner.
func (m *Manager) Clear(index uint64, caller common.Address) error {
	if caller != m.owner {
		return ErrNotAuthorized
	}
	if _, ok := m.challenges[index]; !ok {
		return ErrNoChallenge
	}
	delete(m.challenges, index)
	return nil
}

func (m *Manager) resolve(index uint64, winner, loser common.Address) {
	m.results.CompleteChallenge(index, winner, loser)
	delete(m.challenges, index)
}

// ChallengeInfo returns a copy of the challenge record, if it is still live.
func (m *Manager) ChallengeInfo(index uint64) (Challenge, bool) {
	ch, ok := m.challenges[index]
	if !ok {
		return Challenge{}, false
	}
	return *ch, true
}
