package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"

	"github.com/rollgate/rollgate/machine"
)

func TestLoadMachineState(t *testing.T) {
	m := machine.NewStartMachine(
		crypto.Keccak256Hash([]byte("global state")),
		crypto.Keccak256Hash([]byte("modules root")),
	)
	m.ValueStack.Push(machine.I64Value(12))
	m.FunctionPc = 7

	data, err := json.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, data, 0644))

	loaded, err := jsonutil.LoadJSON[machine.Machine](path)
	require.NoError(t, err)
	require.Equal(t, m.Hash(), loaded.Hash(), "machine hash must survive the JSON round trip")
}

func TestSnapshotInboxBounds(t *testing.T) {
	inbox := snapshotInbox{
		sequencer: []common.Hash{crypto.Keccak256Hash([]byte("seq 0"))},
	}
	require.Equal(t, uint64(1), inbox.SequencerMessageCount())
	require.Equal(t, uint64(0), inbox.DelayedMessageCount())

	acc, err := inbox.SequencerAccumulator(0)
	require.NoError(t, err)
	require.Equal(t, inbox.sequencer[0], acc)

	_, err = inbox.SequencerAccumulator(1)
	require.Error(t, err)
	_, err = inbox.DelayedAccumulator(0)
	require.Error(t, err)
}
