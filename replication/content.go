package replication

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
)

// ContentTag identifies a content variant on the wire.
type ContentTag uint8

const (
	TagNoOp ContentTag = iota
	TagTransaction
	TagIDAllocation
	TagToken
	TagMemberSet
	TagSeedStoreID
	TagLockToken
	TagDistributedOperation
)

func (t ContentTag) String() string {
	switch t {
	case TagNoOp:
		return "NoOp"
	case TagTransaction:
		return "Transaction"
	case TagIDAllocation:
		return "IDAllocationRequest"
	case TagToken:
		return "TokenRequest"
	case TagMemberSet:
		return "MemberSet"
	case TagSeedStoreID:
		return "SeedStoreID"
	case TagLockToken:
		return "LockTokenRequest"
	case TagDistributedOperation:
		return "DistributedOperation"
	default:
		return fmt.Sprintf("ContentTag(%d)", uint8(t))
	}
}

// Content is anything that can be replicated through the raft log.
type Content interface {
	Tag() ContentTag
}

type NoOp struct{}

func (NoOp) Tag() ContentTag { return TagNoOp }

// Transaction is an opaque transaction of the storage engine, valid only
// under the lock session it was prepared in.
type Transaction struct {
	LockSessionID int64
	TxBytes       []byte
}

func (Transaction) Tag() ContentTag { return TagTransaction }

type IDType int32

const (
	NodeID IDType = iota
	RelationshipID
	PropertyID
	LabelTokenID
	PropertyKeyTokenID
	RelationshipTypeTokenID
)

// IDAllocationRequest asks for ids [RangeStart, RangeStart+RangeLength)
// of one id type on behalf of Owner.
type IDAllocationRequest struct {
	Owner       common.CoreMember
	IDType      IDType
	RangeStart  int64
	RangeLength int32
}

func (IDAllocationRequest) Tag() ContentTag { return TagIDAllocation }

type TokenType int32

const (
	LabelToken TokenType = iota
	PropertyKeyToken
	RelationshipTypeToken
)

// TokenRequest asks for an id for a token name.
type TokenRequest struct {
	Type         TokenType
	Name         string
	CommandBytes []byte
}

func (TokenRequest) Tag() ContentTag { return TagToken }

// MemberSet proposes a new member set.
type MemberSet struct {
	Members []common.CoreMember
}

func (MemberSet) Tag() ContentTag { return TagMemberSet }

// StoreID identifies the store every member of the cluster must share.
type StoreID struct {
	CreationTime int64
	RandomID     int64
	StoreVersion int64
	UpgradeTime  int64
	UpgradeID    int64
}

// SeedStoreID proposes the store id of the cluster, only the first one sticks.
type SeedStoreID struct {
	StoreID StoreID
}

func (SeedStoreID) Tag() ContentTag { return TagSeedStoreID }

// LockTokenRequest asks for the lock token CandidateID on behalf of Owner.
type LockTokenRequest struct {
	Owner       common.CoreMember
	CandidateID int64
}

func (LockTokenRequest) Tag() ContentTag { return TagLockToken }

// GlobalSession identifies one member process lifetime.
type GlobalSession struct {
	SessionID uuid.UUID
	Owner     common.CoreMember
}

func (s GlobalSession) String() string {
	return fmt.Sprintf("GlobalSession{%v, owner=%v}", s.SessionID, s.Owner.ID)
}

// LocalOperationID orders operations of one local session.
type LocalOperationID struct {
	LocalSessionID int64
	SequenceNumber int64
}

// DistributedOperation wraps content with the identity used for deduplication.
type DistributedOperation struct {
	Session     GlobalSession
	OperationID LocalOperationID
	Content     Content
}

func (DistributedOperation) Tag() ContentTag { return TagDistributedOperation }

func (op DistributedOperation) String() string {
	return fmt.Sprintf("DistributedOperation{%v, op=%d/%d, %v}", op.Session, op.OperationID.LocalSessionID,
		op.OperationID.SequenceNumber, op.Content.Tag())
}
