package cmd

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/profile"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"

	"github.com/rollgate/rollgate/osp"
)

var (
	VerifyInputFlag = &cli.PathFlag{
		Name:     "input",
		Usage:    "path of the one-step proof JSON to verify",
		Required: true,
	}
	VerifyPProfCPU = &cli.BoolFlag{
		Name:  "pprof.cpu",
		Usage: "enable CPU profiling, output to the current directory",
	}
)

// Proof is the offchain one-step proof envelope: the disputed step, the
// claimed pre/post machine hashes, the encoded proof bytes, and the inbox
// accumulator snapshot the step is judged against.
type Proof struct {
	Step uint64 `json:"step"`

	Pre  common.Hash `json:"pre"`
	Post common.Hash `json:"post"`

	ProofData hexutil.Bytes `json:"proof-data"`

	MaxInboxMessagesRead  uint64        `json:"maxInboxMessagesRead"`
	SequencerAccumulators []common.Hash `json:"sequencerAccumulators"`
	DelayedAccumulators   []common.Hash `json:"delayedAccumulators"`
}

// snapshotInbox serves accumulator lookups from the snapshot captured in the
// proof envelope.
type snapshotInbox struct {
	sequencer []common.Hash
	delayed   []common.Hash
}

func (s snapshotInbox) SequencerMessageCount() uint64 { return uint64(len(s.sequencer)) }
func (s snapshotInbox) DelayedMessageCount() uint64   { return uint64(len(s.delayed)) }

func (s snapshotInbox) SequencerAccumulator(index uint64) (common.Hash, error) {
	if index >= uint64(len(s.sequencer)) {
		return common.Hash{}, fmt.Errorf("sequencer accumulator %d out of range", index)
	}
	return s.sequencer[index], nil
}

func (s snapshotInbox) DelayedAccumulator(index uint64) (common.Hash, error) {
	if index >= uint64(len(s.delayed)) {
		return common.Hash{}, fmt.Errorf("delayed accumulator %d out of range", index)
	}
	return s.delayed[index], nil
}

func Verify(ctx *cli.Context) error {
	if ctx.Bool(VerifyPProfCPU.Name) {
		defer profile.Start(profile.NoShutdownHook, profile.ProfilePath("."), profile.CPUProfile).Stop()
	}

	input := ctx.Path(VerifyInputFlag.Name)
	proof, err := jsonutil.LoadJSON[Proof](input)
	if err != nil {
		return fmt.Errorf("invalid input proof (%v): %w", input, err)
	}

	l := Logger(os.Stderr, log.LevelInfo)
	execCtx := osp.ExecutionContext{
		MaxInboxMessagesRead: proof.MaxInboxMessagesRead,
		Inbox: snapshotInbox{
			sequencer: proof.SequencerAccumulators,
			delayed:   proof.DelayedAccumulators,
		},
	}

	post, err := osp.NewVerifier().ProveOneStep(execCtx, proof.Step, proof.Pre, proof.ProofData)
	if err != nil {
		return fmt.Errorf("failed to prove step %d: %w", proof.Step, err)
	}
	if post != proof.Post {
		l.Error("one-step proof disagrees with the claimed post state",
			"step", HexU64(proof.Step), "pre", proof.Pre, "claimed", proof.Post, "proven", post)
		return fmt.Errorf("step %d: proven post state %s does not match claim %s", proof.Step, post, proof.Post)
	}
	l.Info("one-step proof verified", "step", HexU64(proof.Step), "pre", proof.Pre, "post", post)
	return nil
}

var VerifyCommand = &cli.Command{
	Name:        "verify",
	Usage:       "Re-execute a one-step proof and check the claimed post state",
	Description: "Re-execute a one-step proof and check the claimed post state. Exits non-zero on disagreement",
	Action:      Verify,
	Flags: []cli.Flag{
		VerifyInputFlag,
		VerifyPProfCPU,
	},
}
