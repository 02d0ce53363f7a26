package inbox

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrKeysetAlreadyValid = errors.New("keyset already valid")
	ErrNoSuchKeyset       = errors.New("no such keyset")
)

// KeysetInfo tracks one registered data-availability signing set.
// Invalidation only clears the validity flag: CreationBlock survives so
// historical batches can still be attributed to the keyset that signed them.
type KeysetInfo struct {
	Valid         bool   `json:"valid"`
	CreationBlock uint64 `json:"creationBlock"`
}

// SetValidKeyset registers the keyset identified by the hash of its bytes.
func (s *SequencerInbox) SetValidKeyset(caller common.Address, keysetBytes []byte) (common.Hash, error) {
	if caller != s.owner {
		return common.Hash{}, ErrNotAuthorized
	}
	ksHash := crypto.Keccak256Hash(keysetBytes)
	if info, ok := s.keysets[ksHash]; ok && info.Valid {
		return common.Hash{}, ErrKeysetAlreadyValid
	}
	s.keysets[ksHash] = &KeysetInfo{Valid: true, CreationBlock: s.chain.BlockNumber()}
	return ksHash, nil
}

func (s *SequencerInbox) InvalidateKeysetHash(caller common.Address, ksHash common.Hash) error {
	if caller != s.owner {
		return ErrNotAuthorized
	}
	info, ok := s.keysets[ksHash]
	if !ok || !info.Valid {
		return ErrNoSuchKeyset
	}
	info.Valid = false
	return nil
}

func (s *SequencerInbox) IsValidKeysetHash(ksHash common.Hash) bool {
	info, ok := s.keysets[ksHash]
	return ok && info.Valid
}

// KeysetInfo returns the registration record, present even after invalidation.
func (s *SequencerInbox) KeysetInfo(ksHash common.Hash) (KeysetInfo, bool) {
	info, ok := s.keysets[ksHash]
	if !ok {
		return KeysetInfo{}, false
	}
	return *info, true
}
