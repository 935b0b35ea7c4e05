package txtypes

import (
	"errors"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// ErrInvalidSignature is returned when a signed user transaction's signature
// does not recover to a valid public key.
var ErrInvalidSignature = errors.New("txtypes: invalid transaction signature")

// Kind identifies the category of a transaction. Only Kind == User carries a
// sequence number that must be checked against on-chain account state;
// validator and metadata transactions pass classification unconditionally.
type Kind int

const (
	// User is a transaction signed by an account, carrying a sequence
	// number that must be fresh relative to the account's on-chain state.
	User Kind = iota
	// Validator is a transaction injected by the block's validator set
	// (e.g. randomness reveals, epoch transitions). Not sequence-checked.
	Validator
	// Metadata is a synthetic transaction carrying block-level metadata
	// (e.g. timestamp, proposer). Not sequence-checked.
	Metadata
)

// Transaction is a single entry in a block's transaction sequence.
type Transaction struct {
	ID             Hash
	Kind           Kind
	Sender         Address
	SequenceNumber *uint256.Int
	SigningHash    Hash
	Signature      []byte // 65-byte [R || S || V], only set for Kind == User
	Payload        []byte
}

// IsSignedUser reports whether t is a signed user transaction, the only kind
// subject to signature verification and sequence-number classification.
func (t *Transaction) IsSignedUser() bool {
	return t.Kind == User
}

// VerifySignature recovers the signer address from t.Signature over
// t.SigningHash and reports whether it matches t.Sender. Only meaningful for
// Kind == User transactions.
func (t *Transaction) VerifySignature() (Address, error) {
	if len(t.Signature) != 65 {
		return Address{}, ErrInvalidSignature
	}
	pub, err := ethcrypto.SigToPub(t.SigningHash.Bytes(), t.Signature)
	if err != nil {
		return Address{}, ErrInvalidSignature
	}
	recovered := BytesToAddress(ethcrypto.PubkeyToAddress(*pub).Bytes())
	if recovered != t.Sender {
		return Address{}, ErrInvalidSignature
	}
	return recovered, nil
}

// SignatureVerifiedTransaction tags a transaction as Valid or Invalid after
// PrepareStage classification. The tag is positional: the output sequence
// has exactly one entry per input transaction, in the same order.
type SignatureVerifiedTransaction struct {
	Transaction *Transaction
	Valid       bool
}

// BlockWindow carries the surrounding context (e.g. recent blocks) the
// preparer needs to materialize input transactions for a block. Its
// contents are opaque to the pipeline.
type BlockWindow struct {
	RecentBlockIDs []Hash
}

// Block is an ordered batch of transactions plus metadata proposed for
// commitment. The pipeline treats a Block's content as opaque apart from
// its identity and validator transactions.
type Block struct {
	ID            Hash
	ValidatorTxns []*Transaction
}

// CombineToInputTransactions combines validator transactions, preparer
// supplied input transactions, and block metadata into the single ordered
// sequence the executor consumes. Validator transactions are placed first
// (they must be observable before any user transaction that might depend on
// them, e.g. randomness reveals), followed by the preparer's input
// transactions in their returned order. Block metadata does not become a
// transaction entry: the metadata argument is not used, and nothing carries
// it into the executable block.
func CombineToInputTransactions(validatorTxns, inputTxns []*Transaction, metadata []byte) []*Transaction {
	combined := make([]*Transaction, 0, len(validatorTxns)+len(inputTxns))
	combined = append(combined, validatorTxns...)
	combined = append(combined, inputTxns...)
	return combined
}

// ExecutableBlock pairs a block identity with its classified transactions,
// ready for the executor.
type ExecutableBlock struct {
	BlockID      Hash
	Transactions []SignatureVerifiedTransaction
}
