package persistent

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
)

// TermMarshal stores the current term.
type TermMarshal struct{}

var _ StateMarshal[int64] = TermMarshal{}

func (TermMarshal) Marshal(term int64) ([]byte, error) {
	return int64ToBytes(term), nil
}

func (TermMarshal) Unmarshal(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("term record: %w", errShortBuffer)
	}
	return bytesToInt64(data), nil
}

func (TermMarshal) Ordinal(term int64) int64 { return term }

func (TermMarshal) StartState() int64 { return 0 }

// VoteState is the vote cast in Term, uuid.Nil when no vote was cast.
type VoteState struct {
	Term     int64
	VotedFor uuid.UUID
}

// VoteMarshal stores the vote of the current term.
type VoteMarshal struct{}

var _ StateMarshal[VoteState] = VoteMarshal{}

func (VoteMarshal) Marshal(v VoteState) ([]byte, error) {
	buf := make([]byte, 8+16)
	binary.BigEndian.PutUint64(buf, uint64(v.Term))
	copy(buf[8:], v.VotedFor[:])
	return buf, nil
}

func (VoteMarshal) Unmarshal(data []byte) (VoteState, error) {
	if len(data) != 24 {
		return VoteState{}, fmt.Errorf("vote record: %w", errShortBuffer)
	}
	var v VoteState
	v.Term = bytesToInt64(data[:8])
	copy(v.VotedFor[:], data[8:])
	return v, nil
}

func (VoteMarshal) Ordinal(v VoteState) int64 { return v.Term }

func (VoteMarshal) StartState() VoteState { return VoteState{} }

// MembershipState is the member set in effect from log index Index.
// An empty member set means that no membership was ever persisted.
type MembershipState struct {
	Index   int64
	Members []common.CoreMember
}

// MembershipMarshal stores the latest committed member set.
type MembershipMarshal struct{}

var _ StateMarshal[MembershipState] = MembershipMarshal{}

func (MembershipMarshal) Marshal(m MembershipState) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(int64ToBytes(m.Index))
	if err := WriteMembers(&buf, m.Members); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MembershipMarshal) Unmarshal(data []byte) (MembershipState, error) {
	if len(data) < 8 {
		return MembershipState{}, fmt.Errorf("membership record: %w", errShortBuffer)
	}
	r := bytes.NewReader(data[8:])
	members, err := ReadMembers(r)
	if err != nil {
		return MembershipState{}, err
	}
	if r.Len() != 0 {
		return MembershipState{}, fmt.Errorf("membership record: %d trailing bytes", r.Len())
	}
	return MembershipState{Index: bytesToInt64(data[:8]), Members: members}, nil
}

func (MembershipMarshal) Ordinal(m MembershipState) int64 { return m.Index }

func (MembershipMarshal) StartState() MembershipState { return MembershipState{Index: -1} }

// WriteMembers encodes a member set as count followed by id and both addresses.
func WriteMembers(buf *bytes.Buffer, members []common.CoreMember) error {
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(members)))
	buf.Write(count[:])
	for _, member := range members {
		buf.Write(member.ID[:])
		writeString(buf, string(member.RaftAddress))
		writeString(buf, string(member.DataAddress))
	}
	return nil
}

// ReadMembers decodes a member set written by WriteMembers.
func ReadMembers(r *bytes.Reader) ([]common.CoreMember, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	// every member takes at least 24 bytes
	if int(count) > r.Len()/24 {
		return nil, fmt.Errorf("member count %d: %w", count, errShortBuffer)
	}
	members := make([]common.CoreMember, 0, count)
	for i := uint32(0); i < count; i++ {
		var member common.CoreMember
		if _, err := io.ReadFull(r, member.ID[:]); err != nil {
			return nil, err
		}
		raftAddress, err := readString(r)
		if err != nil {
			return nil, err
		}
		dataAddress, err := readString(r)
		if err != nil {
			return nil, err
		}
		member.RaftAddress = common.ServerAddress(raftAddress)
		member.DataAddress = common.ServerAddress(dataAddress)
		members = append(members, member)
	}
	return members, nil
}
