package cmd

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/ioutil"
	"github.com/ethereum-optimism/optimism/op-service/jsonutil"

	"github.com/rollgate/rollgate/machine"
)

var OutFilePerm = os.FileMode(0o755)

var (
	WitnessInputFlag = &cli.PathFlag{
		Name:     "input",
		Usage:    "path of the machine state JSON to hash",
		Required: true,
	}
	WitnessOutputFlag = &cli.PathFlag{
		Name:  "output",
		Usage: "path to write the witness JSON to, or - for stdout",
	}
)

type WitnessOutput struct {
	MachineHash     common.Hash `json:"machineHash"`
	GlobalStateHash common.Hash `json:"globalStateHash"`
	Status          string      `json:"status"`
}

func Witness(ctx *cli.Context) error {
	input := ctx.Path(WitnessInputFlag.Name)
	state, err := jsonutil.LoadJSON[machine.Machine](input)
	if err != nil {
		return fmt.Errorf("invalid input state (%v): %w", input, err)
	}
	witnessOutput := &WitnessOutput{
		MachineHash:     state.Hash(),
		GlobalStateHash: state.GlobalStateHash,
		Status:          state.Status.String(),
	}
	if err := jsonutil.WriteJSON(witnessOutput, ioutil.ToStdOutOrFileOrNoop(ctx.Path(WitnessOutputFlag.Name), OutFilePerm)); err != nil {
		return fmt.Errorf("failed to write witness output: %w", err)
	}
	fmt.Println(witnessOutput.MachineHash.Hex())
	return nil
}

var WitnessCommand = &cli.Command{
	Name:        "witness",
	Usage:       "Hash a machine state JSON file",
	Description: "Hash a machine state JSON file. The machine hash is written to stdout",
	Action:      Witness,
	Flags: []cli.Flag{
		WitnessInputFlag,
		WitnessOutputFlag,
	},
}
