package ledger

import "errors"

var (
	// ErrEmptyPool is returned when block sealing requires a non-empty pool.
	ErrEmptyPool = errors.New("transaction pool is empty")

	// ErrNoGenesis is returned when sealing is attempted before a genesis
	// block exists.
	ErrNoGenesis = errors.New("no genesis block")

	// ErrRootMismatch is returned by CommitProofOfWork when the supplied root
	// hash does not match the current pool. It is recoverable; the caller
	// should request a new candidate.
	ErrRootMismatch = errors.New("root hash does not match transaction pool")

	// ErrBadProof is returned when a proof-of-work hash does not carry the
	// required prefix.
	ErrBadProof = errors.New("block hash does not satisfy proof-of-work")

	// ErrInvalidBlock is returned when a block fails chain validation.
	ErrInvalidBlock = errors.New("invalid block")
)
