package walletdb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ecashwallet/walletd/amount"
	"github.com/ecashwallet/walletd/errorcodes"
	"github.com/ecashwallet/walletd/retry"
	"github.com/lightningnetwork/lnd/tlv"
)

// Big endian is the preferred byte order, due to cursor scans over integer
// keys iterating in order.
var byteOrder = binary.BigEndian

// maxVarBytes bounds the length of variable sized fields so a corrupted
// length prefix can't trigger a huge allocation.
const maxVarBytes = 16 << 20

// UnknownElementType is an error returned when the codec is unable to
// encode or decode a particular type.
type UnknownElementType struct {
	method  string
	element interface{}
}

// NewUnknownElementType creates a new UnknownElementType error from the
// passed method name and element.
func NewUnknownElementType(method string,
	el interface{}) UnknownElementType {

	return UnknownElementType{method: method, element: el}
}

// Error returns the name of the method that encountered the error, as well
// as the type that was unsupported.
func (e UnknownElementType) Error() string {
	return fmt.Sprintf("unknown type in %s: %T", e.method, e.element)
}

func writeVarBytes(w io.Writer, b []byte) error {
	if len(b) > maxVarBytes {
		return fmt.Errorf("field of %d bytes too large", len(b))
	}

	var scratch [4]byte
	byteOrder.PutUint32(scratch[:], uint32(len(b)))
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}
	_, err := w.Write(b)

	return err
}

func readVarBytes(r io.Reader) ([]byte, error) {
	var scratch [4]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}

	n := byteOrder.Uint32(scratch[:])
	if n > maxVarBytes {
		return nil, fmt.Errorf("field of %d bytes too large", n)
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}

	return b, nil
}

// serializeTime serializes time as unix nanoseconds.
func serializeTime(w io.Writer, t time.Time) error {
	var scratch [8]byte

	// Calling UnixNano() on a zero time yields an undefined result.
	var unixNano int64
	if !t.IsZero() {
		unixNano = t.UnixNano()
	}

	byteOrder.PutUint64(scratch[:], uint64(unixNano))
	_, err := w.Write(scratch[:])

	return err
}

// deserializeTime deserializes time as unix nanoseconds. Zero maps to the
// zero time.
func deserializeTime(r io.Reader) (time.Time, error) {
	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return time.Time{}, err
	}

	unixNano := byteOrder.Uint64(scratch[:])
	if unixNano == 0 {
		return time.Time{}, nil
	}

	return time.Unix(0, int64(unixNano)), nil
}

// WriteElement serializes a single element into the provided io.Writer.
func WriteElement(w io.Writer, element interface{}) error {
	switch e := element.(type) {
	case uint8:
		_, err := w.Write([]byte{e})
		return err

	case bool:
		var b byte
		if e {
			b = 1
		}
		_, err := w.Write([]byte{b})
		return err

	case uint32:
		var scratch [4]byte
		byteOrder.PutUint32(scratch[:], e)
		_, err := w.Write(scratch[:])
		return err

	case uint64:
		var scratch [8]byte
		byteOrder.PutUint64(scratch[:], e)
		_, err := w.Write(scratch[:])
		return err

	case string:
		return writeVarBytes(w, []byte(e))

	case []byte:
		return writeVarBytes(w, e)

	case time.Time:
		return serializeTime(w, e)

	case amount.Amount:
		return e.Encode(w)

	case []string:
		if err := WriteElement(w, uint32(len(e))); err != nil {
			return err
		}
		for _, s := range e {
			if err := WriteElement(w, s); err != nil {
				return err
			}
		}

		return nil

	case []amount.Amount:
		if err := WriteElement(w, uint32(len(e))); err != nil {
			return err
		}
		for _, a := range e {
			if err := a.Encode(w); err != nil {
				return err
			}
		}

		return nil

	case CoinStatus:
		return WriteElement(w, uint8(e))
	case CoinSourceType:
		return WriteElement(w, uint8(e))
	case ProposalStatus:
		return WriteElement(w, uint8(e))
	case AbortStatus:
		return WriteElement(w, uint8(e))
	case RefundStatus:
		return WriteElement(w, uint8(e))
	case RefreshReason:
		return WriteElement(w, uint8(e))

	case *retry.Info:
		if e == nil {
			return WriteElement(w, false)
		}

		return WriteElements(w,
			true, e.Counter, e.FirstTry, e.NextRetry, e.Active,
		)

	case *errorcodes.OperationError:
		if e == nil {
			return writeVarBytes(w, nil)
		}

		b, err := json.Marshal(e)
		if err != nil {
			return err
		}

		return writeVarBytes(w, b)

	default:
		return NewUnknownElementType("WriteElement", element)
	}
}

// WriteElements serializes a variadic list of elements into the given
// io.Writer.
func WriteElements(w io.Writer, elements ...interface{}) error {
	for _, element := range elements {
		if err := WriteElement(w, element); err != nil {
			return err
		}
	}

	return nil
}

// ReadElement deserializes a single element from the provided io.Reader.
func ReadElement(r io.Reader, element interface{}) error {
	var scratch [8]byte

	readUint8 := func() (uint8, error) {
		if _, err := io.ReadFull(r, scratch[:1]); err != nil {
			return 0, err
		}

		return scratch[0], nil
	}

	switch e := element.(type) {
	case *uint8:
		v, err := readUint8()
		if err != nil {
			return err
		}
		*e = v

	case *bool:
		v, err := readUint8()
		if err != nil {
			return err
		}
		*e = v != 0

	case *uint32:
		if _, err := io.ReadFull(r, scratch[:4]); err != nil {
			return err
		}
		*e = byteOrder.Uint32(scratch[:4])

	case *uint64:
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return err
		}
		*e = byteOrder.Uint64(scratch[:])

	case *string:
		b, err := readVarBytes(r)
		if err != nil {
			return err
		}
		*e = string(b)

	case *[]byte:
		b, err := readVarBytes(r)
		if err != nil {
			return err
		}
		*e = b

	case *time.Time:
		t, err := deserializeTime(r)
		if err != nil {
			return err
		}
		*e = t

	case *amount.Amount:
		return e.Decode(r)

	case *[]string:
		var n uint32
		if err := ReadElement(r, &n); err != nil {
			return err
		}
		out := make([]string, 0, min(n, 1024))
		for i := uint32(0); i < n; i++ {
			var s string
			if err := ReadElement(r, &s); err != nil {
				return err
			}
			out = append(out, s)
		}
		*e = out

	case *[]amount.Amount:
		var n uint32
		if err := ReadElement(r, &n); err != nil {
			return err
		}
		out := make([]amount.Amount, 0, min(n, 1024))
		for i := uint32(0); i < n; i++ {
			var a amount.Amount
			if err := a.Decode(r); err != nil {
				return err
			}
			out = append(out, a)
		}
		*e = out

	case *CoinStatus:
		v, err := readUint8()
		*e = CoinStatus(v)
		return err
	case *CoinSourceType:
		v, err := readUint8()
		*e = CoinSourceType(v)
		return err
	case *ProposalStatus:
		v, err := readUint8()
		*e = ProposalStatus(v)
		return err
	case *AbortStatus:
		v, err := readUint8()
		*e = AbortStatus(v)
		return err
	case *RefundStatus:
		v, err := readUint8()
		*e = RefundStatus(v)
		return err
	case *RefreshReason:
		v, err := readUint8()
		*e = RefreshReason(v)
		return err

	case **retry.Info:
		var present bool
		if err := ReadElement(r, &present); err != nil {
			return err
		}
		if !present {
			*e = nil
			return nil
		}

		info := &retry.Info{}
		err := ReadElements(r,
			&info.Counter, &info.FirstTry, &info.NextRetry,
			&info.Active,
		)
		if err != nil {
			return err
		}
		*e = info

	case **errorcodes.OperationError:
		b, err := readVarBytes(r)
		if err != nil {
			return err
		}
		if len(b) == 0 {
			*e = nil
			return nil
		}

		opErr := &errorcodes.OperationError{}
		if err := json.Unmarshal(b, opErr); err != nil {
			return err
		}
		*e = opErr

	default:
		return NewUnknownElementType("ReadElement", element)
	}

	return nil
}

// ReadElements deserializes the provided io.Reader into a variadic list of
// target elements.
func ReadElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		if err := ReadElement(r, element); err != nil {
			return err
		}
	}

	return nil
}

// tlvField is an optional variable length field stored in the TLV trailer
// of a record.
type tlvField struct {
	typ tlv.Type
	val *[]byte
}

// writeTLV encodes the non-empty fields as a TLV stream. The fields must be
// given in ascending type order.
func writeTLV(w io.Writer, fields ...tlvField) error {
	records := make([]tlv.Record, 0, len(fields))
	for _, f := range fields {
		if len(*f.val) == 0 {
			continue
		}
		records = append(records, tlv.MakePrimitiveRecord(f.typ, f.val))
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// readTLV decodes the TLV trailer of a record. Absent fields keep their
// value, unknown odd types are skipped.
func readTLV(r io.Reader, fields ...tlvField) error {
	records := make([]tlv.Record, 0, len(fields))
	for _, f := range fields {
		records = append(records, tlv.MakePrimitiveRecord(f.typ, f.val))
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	_, err = stream.DecodeWithParsedTypes(r)

	return err
}
