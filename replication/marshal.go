package replication

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/persistent"
)

// ErrMalformed is returned for input that is not a complete content frame.
var ErrMalformed = errors.New("malformed replicated content")

// frameHeaderSize is tag(u8) + len(u32)
const frameHeaderSize = 5

// Marshal encodes content as [tag u8][len u32][body], big-endian.
func Marshal(content Content) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, content); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes exactly one frame written by Marshal.
func Unmarshal(data []byte) (Content, error) {
	content, n, err := readFrame(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%d trailing bytes: %w", len(data)-n, ErrMalformed)
	}
	return content, nil
}

func writeFrame(buf *bytes.Buffer, content Content) error {
	if content == nil {
		return fmt.Errorf("cannot marshal nil content")
	}
	var body bytes.Buffer
	e := encoder{buf: &body}
	switch c := content.(type) {
	case NoOp:
	case Transaction:
		e.int64(c.LockSessionID)
		e.bytes(c.TxBytes)
	case IDAllocationRequest:
		e.member(c.Owner)
		e.int32(int32(c.IDType))
		e.int64(c.RangeStart)
		e.int32(c.RangeLength)
	case TokenRequest:
		e.int32(int32(c.Type))
		e.bytes([]byte(c.Name))
		e.bytes(c.CommandBytes)
	case MemberSet:
		if err := persistent.WriteMembers(&body, c.Members); err != nil {
			return err
		}
	case SeedStoreID:
		e.int64(c.StoreID.CreationTime)
		e.int64(c.StoreID.RandomID)
		e.int64(c.StoreID.StoreVersion)
		e.int64(c.StoreID.UpgradeTime)
		e.int64(c.StoreID.UpgradeID)
	case LockTokenRequest:
		e.member(c.Owner)
		e.int64(c.CandidateID)
	case DistributedOperation:
		if _, nested := c.Content.(DistributedOperation); nested {
			return fmt.Errorf("distributed operations cannot be nested")
		}
		e.uuid(c.Session.SessionID)
		e.member(c.Session.Owner)
		e.int64(c.OperationID.LocalSessionID)
		e.int64(c.OperationID.SequenceNumber)
		if err := writeFrame(&body, c.Content); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown content type %T", content)
	}
	if body.Len() > math.MaxUint32 {
		return fmt.Errorf("%v body of %d bytes is too large", content.Tag(), body.Len())
	}
	buf.WriteByte(byte(content.Tag()))
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(body.Len()))
	buf.Write(length[:])
	buf.Write(body.Bytes())
	return nil
}

// readFrame decodes the frame at the start of data and returns its size.
func readFrame(data []byte) (Content, int, error) {
	if len(data) < frameHeaderSize {
		return nil, 0, fmt.Errorf("frame header: %w", ErrMalformed)
	}
	tag := ContentTag(data[0])
	length := int(binary.BigEndian.Uint32(data[1:]))
	if length > len(data)-frameHeaderSize {
		return nil, 0, fmt.Errorf("%v body of %d bytes exceeds input: %w", tag, length, ErrMalformed)
	}
	body := data[frameHeaderSize : frameHeaderSize+length]
	d := &decoder{r: bytes.NewReader(body)}

	var content Content
	switch tag {
	case TagNoOp:
		content = NoOp{}
	case TagTransaction:
		content = Transaction{LockSessionID: d.int64(), TxBytes: d.bytes()}
	case TagIDAllocation:
		content = IDAllocationRequest{Owner: d.member(), IDType: IDType(d.int32()), RangeStart: d.int64(), RangeLength: d.int32()}
	case TagToken:
		content = TokenRequest{Type: TokenType(d.int32()), Name: string(d.bytes()), CommandBytes: d.bytes()}
	case TagMemberSet:
		members, err := persistent.ReadMembers(d.r)
		if err != nil {
			d.fail(err)
		}
		content = MemberSet{Members: members}
	case TagSeedStoreID:
		content = SeedStoreID{StoreID: StoreID{
			CreationTime: d.int64(),
			RandomID:     d.int64(),
			StoreVersion: d.int64(),
			UpgradeTime:  d.int64(),
			UpgradeID:    d.int64(),
		}}
	case TagLockToken:
		content = LockTokenRequest{Owner: d.member(), CandidateID: d.int64()}
	case TagDistributedOperation:
		op := DistributedOperation{
			Session:     GlobalSession{SessionID: d.uuid(), Owner: d.member()},
			OperationID: LocalOperationID{LocalSessionID: d.int64(), SequenceNumber: d.int64()},
		}
		if d.err == nil {
			rest := body[len(body)-d.r.Len():]
			if len(rest) > 0 && ContentTag(rest[0]) == TagDistributedOperation {
				return nil, 0, fmt.Errorf("nested distributed operation: %w", ErrMalformed)
			}
			inner, n, err := readFrame(rest)
			if err != nil {
				return nil, 0, err
			}
			op.Content = inner
			d.skip(n)
		}
		content = op
	default:
		return nil, 0, fmt.Errorf("unknown tag %d: %w", uint8(tag), ErrMalformed)
	}
	if d.err != nil {
		return nil, 0, fmt.Errorf("%v: %v: %w", tag, d.err, ErrMalformed)
	}
	if d.r.Len() != 0 {
		return nil, 0, fmt.Errorf("%v: %d unread body bytes: %w", tag, d.r.Len(), ErrMalformed)
	}
	return content, frameHeaderSize + length, nil
}

type encoder struct {
	buf *bytes.Buffer
}

func (e encoder) int32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	e.buf.Write(b[:])
}

func (e encoder) int64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	e.buf.Write(b[:])
}

func (e encoder) bytes(v []byte) {
	e.int32(int32(len(v)))
	e.buf.Write(v)
}

func (e encoder) uuid(id uuid.UUID) {
	e.buf.Write(id[:])
}

func (e encoder) member(m common.CoreMember) {
	e.uuid(m.ID)
	e.bytes([]byte(m.RaftAddress))
	e.bytes([]byte(m.DataAddress))
}

// decoder remembers the first error; later reads return zero values.
type decoder struct {
	r   *bytes.Reader
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > d.r.Len() {
		d.fail(io.ErrUnexpectedEOF)
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.fail(err)
		return nil
	}
	return b
}

func (d *decoder) skip(n int) {
	d.read(n)
}

func (d *decoder) int32() int32 {
	if b := d.read(4); b != nil {
		return int32(binary.BigEndian.Uint32(b))
	}
	return 0
}

func (d *decoder) int64() int64 {
	if b := d.read(8); b != nil {
		return int64(binary.BigEndian.Uint64(b))
	}
	return 0
}

func (d *decoder) bytes() []byte {
	n := d.int32()
	if d.err != nil || n == 0 {
		return nil
	}
	return d.read(int(n))
}

func (d *decoder) uuid() uuid.UUID {
	var id uuid.UUID
	copy(id[:], d.read(16))
	return id
}

func (d *decoder) member() common.CoreMember {
	return common.CoreMember{
		ID:          d.uuid(),
		RaftAddress: common.ServerAddress(d.bytes()),
		DataAddress: common.ServerAddress(d.bytes()),
	}
}

// MembershipCodec finds member sets among log entries.
type MembershipCodec struct{}

func (MembershipCodec) MemberSetOf(data []byte) ([]common.CoreMember, bool) {
	if len(data) == 0 {
		return nil, false
	}
	switch ContentTag(data[0]) {
	case TagMemberSet, TagDistributedOperation:
	default:
		return nil, false
	}
	content, err := Unmarshal(data)
	if err != nil {
		return nil, false
	}
	if op, ok := content.(DistributedOperation); ok {
		content = op.Content
	}
	if set, ok := content.(MemberSet); ok {
		return set.Members, true
	}
	return nil, false
}

func (MembershipCodec) EncodeMemberSet(members []common.CoreMember) ([]byte, error) {
	return Marshal(MemberSet{Members: members})
}
