package amount

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

const (
	// FractionalBase is the number of fraction units in one unit of
	// value.
	FractionalBase = 1e8

	// FractionalDigits is the number of decimal digits the fraction part
	// is rendered with.
	FractionalDigits = 8

	// MaxValue is the largest value an amount can hold. Anything above is
	// treated as an overflow.
	MaxValue = 1 << 52
)

var (
	// ErrCurrencyMismatch is returned when two amounts of different
	// currencies are combined.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrInvalidAmount is returned when an amount string can't be parsed.
	ErrInvalidAmount = errors.New("invalid amount")

	amountRegex = regexp.MustCompile(
		`^([a-zA-Z0-9_*-]+):([0-9]+)([.][0-9]+)?$`,
	)
)

// Amount is a non-negative fixed point quantity of a currency.
type Amount struct {
	// Currency is the currency code, e.g. "KUDOS".
	Currency string

	// Value is the integer part.
	Value uint64

	// Fraction is the fractional part in units of 1/FractionalBase.
	Fraction uint32
}

// Zero returns the zero amount of the given currency.
func Zero(currency string) Amount {
	return Amount{Currency: currency}
}

// New returns an amount with the given integer value.
func New(currency string, value uint64, fraction uint32) Amount {
	return Amount{Currency: currency, Value: value, Fraction: fraction}
}

// Parse decodes an amount of the form "CUR:VALUE[.FRACTION]".
func Parse(s string) (Amount, error) {
	m := amountRegex.FindStringSubmatch(s)
	if m == nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	value, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil || value > MaxValue {
		return Amount{}, fmt.Errorf("%w: value out of range in %q",
			ErrInvalidAmount, s)
	}

	var fraction uint32
	if m[3] != "" {
		digits := m[3][1:]
		if len(digits) > FractionalDigits {
			return Amount{}, fmt.Errorf("%w: too many fraction "+
				"digits in %q", ErrInvalidAmount, s)
		}
		digits += strings.Repeat("0", FractionalDigits-len(digits))

		f, err := strconv.ParseUint(digits, 10, 32)
		if err != nil {
			return Amount{}, fmt.Errorf("%w: %v", ErrInvalidAmount,
				err)
		}
		fraction = uint32(f)
	}

	return Amount{Currency: m[1], Value: value, Fraction: fraction}, nil
}

// MustParse is like Parse but panics on malformed input. It is meant for
// constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return a
}

// String renders the amount as "CUR:VALUE[.FRACTION]" with trailing zeros of
// the fraction stripped.
func (a Amount) String() string {
	var b strings.Builder
	b.WriteString(a.Currency)
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(a.Value, 10))

	if a.Fraction != 0 {
		frac := fmt.Sprintf("%0*d", FractionalDigits, a.Fraction)
		b.WriteByte('.')
		b.WriteString(strings.TrimRight(frac, "0"))
	}

	return b.String()
}

// IsZero returns true if the amount has neither value nor fraction.
func (a Amount) IsZero() bool {
	return a.Value == 0 && a.Fraction == 0
}

// SameCurrency returns true if both amounts share a currency.
func (a Amount) SameCurrency(b Amount) bool {
	return a.Currency == b.Currency
}

// Add sums the given amounts. The returned flag is true if the result
// overflowed MaxValue, in which case the result is the saturated maximum.
func Add(first Amount, rest ...Amount) (Amount, bool, error) {
	value := first.Value + uint64(first.Fraction)/FractionalBase
	fraction := uint64(first.Fraction) % FractionalBase

	if value > MaxValue {
		return maxAmount(first.Currency), true, nil
	}

	for _, x := range rest {
		if x.Currency != first.Currency {
			return Amount{}, false, fmt.Errorf("%w: %s vs %s",
				ErrCurrencyMismatch, first.Currency,
				x.Currency)
		}

		value += x.Value + (fraction+uint64(x.Fraction))/FractionalBase
		fraction = (fraction + uint64(x.Fraction)) % FractionalBase
		if value > MaxValue {
			return maxAmount(first.Currency), true, nil
		}
	}

	return Amount{
		Currency: first.Currency,
		Value:    value,
		Fraction: uint32(fraction),
	}, false, nil
}

// Sub subtracts the rest from the first amount. The returned flag is true if
// the result would have been negative, in which case the zero amount is
// returned.
func Sub(first Amount, rest ...Amount) (Amount, bool, error) {
	value := first.Value
	fraction := uint64(first.Fraction)

	for _, x := range rest {
		if x.Currency != first.Currency {
			return Amount{}, false, fmt.Errorf("%w: %s vs %s",
				ErrCurrencyMismatch, first.Currency,
				x.Currency)
		}

		if fraction < uint64(x.Fraction) {
			if value < 1 {
				return Zero(first.Currency), true, nil
			}
			value--
			fraction += FractionalBase
		}
		fraction -= uint64(x.Fraction)

		if value < x.Value {
			return Zero(first.Currency), true, nil
		}
		value -= x.Value
	}

	return Amount{
		Currency: first.Currency,
		Value:    value,
		Fraction: uint32(fraction),
	}, false, nil
}

// Cmp compares two amounts of the same currency, returning -1, 0 or 1.
func Cmp(a, b Amount) (int, error) {
	if a.Currency != b.Currency {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch,
			a.Currency, b.Currency)
	}

	av, af := a.normalized()
	bv, bf := b.normalized()

	switch {
	case av < bv:
		return -1, nil
	case av > bv:
		return 1, nil
	case af < bf:
		return -1, nil
	case af > bf:
		return 1, nil
	}

	return 0, nil
}

// Min returns the smaller of two amounts.
func Min(a, b Amount) (Amount, error) {
	c, err := Cmp(a, b)
	if err != nil {
		return Amount{}, err
	}
	if c <= 0 {
		return a, nil
	}

	return b, nil
}

// Max returns the larger of two amounts.
func Max(a, b Amount) (Amount, error) {
	c, err := Cmp(a, b)
	if err != nil {
		return Amount{}, err
	}
	if c >= 0 {
		return a, nil
	}

	return b, nil
}

// Divide splits the amount into n parts, rounding down.
func (a Amount) Divide(n uint32) Amount {
	if n <= 1 {
		return a
	}

	value, fraction := a.normalized()
	d := uint64(n)

	return Amount{
		Currency: a.Currency,
		Value:    value / d,
		Fraction: uint32(((value%d)*FractionalBase + fraction) / d),
	}
}

// MarshalText encodes the amount in its string form.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes the amount from its string form.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed

	return nil
}

// Encode writes the binary form of the amount: a length-prefixed currency,
// the value and the fraction, all big endian.
func (a Amount) Encode(w io.Writer) error {
	if len(a.Currency) > 255 {
		return fmt.Errorf("currency too long: %d", len(a.Currency))
	}

	var buf [1 + 8 + 4]byte
	buf[0] = byte(len(a.Currency))
	if _, err := w.Write(buf[:1]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, a.Currency); err != nil {
		return err
	}

	binary.BigEndian.PutUint64(buf[1:9], a.Value)
	binary.BigEndian.PutUint32(buf[9:], a.Fraction)
	_, err := w.Write(buf[1:])

	return err
}

// Decode reads an amount written by Encode.
func (a *Amount) Decode(r io.Reader) error {
	var l [1]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return err
	}

	cur := make([]byte, l[0])
	if _, err := io.ReadFull(r, cur); err != nil {
		return err
	}

	var buf [12]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}

	a.Currency = string(cur)
	a.Value = binary.BigEndian.Uint64(buf[:8])
	a.Fraction = binary.BigEndian.Uint32(buf[8:])

	return nil
}

func (a Amount) normalized() (uint64, uint64) {
	return a.Value + uint64(a.Fraction)/FractionalBase,
		uint64(a.Fraction) % FractionalBase
}

func maxAmount(currency string) Amount {
	return Amount{
		Currency: currency,
		Value:    MaxValue,
		Fraction: FractionalBase - 1,
	}
}
