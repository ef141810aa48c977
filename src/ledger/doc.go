// Package ledger implements the blockchain engine of a metamere node.
//
// The engine owns the transaction pool and turns consensus decisions into
// sealed blocks. A block batches the pool's confirmed transactions, carries
// the Merkle root of their canonical JSON encodings, and chains to its
// predecessor by hash: hash = SHA256(prevHash || dec(nonce) || rootHash).
// Block 0 is the genesis block, synthesized with a fixed root hash constant
// and no transactions.
//
// Transactions are opaque client-supplied JSON objects. The engine interprets
// exactly one attribute, transactionId, which finalises transactions accepted
// in temporary mode: a temporary transaction carries a @temp timestamp and is
// held back from sealing until a commit for its id arrives.
//
// Two sealing modes exist. In Raft mode the pool is sealed with a zero nonce
// as soon as consensus commits a batch. In proof-of-work mode a nonce is
// searched so the block hash carries a fixed prefix; the search (GetProofOfWork)
// is separated from sealing (CommitProofOfWork) so candidates can travel
// between nodes.
package ledger
