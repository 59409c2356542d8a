// rational.go defines Rational, used for frame rates.

package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Rational is a fraction; as a frame rate it is frames per second.
type Rational struct {
	Num int
	Den int
}

// IsValid reports whether both parts are positive.
func (r Rational) IsValid() bool {
	return r.Num > 0 && r.Den > 0
}

// FrameDuration returns the duration of one frame at the frame rate r.
func (r Rational) FrameDuration() time.Duration {
	if !r.IsValid() {
		return 0
	}
	return time.Duration(int64(time.Second) * int64(r.Den) / int64(r.Num))
}

// Reduce divides both parts by their greatest common divisor.
func (r Rational) Reduce() Rational {
	if r.Num == 0 || r.Den == 0 {
		return r
	}
	a, b := r.Num, r.Den
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	if a <= 1 {
		return r
	}
	return Rational{Num: r.Num / a, Den: r.Den / a}
}

// RationalFromFloat64 converts fps with a precision of 1e-6.
func RationalFromFloat64(fps float64) Rational {
	if fps == math.Trunc(fps) {
		return Rational{Num: int(fps), Den: 1}
	}
	return Rational{Num: int(math.Round(fps * 1e6)), Den: 1e6}.Reduce()
}

// RationalFromApproxFloat64 converts fps, snapping it to the NTSC rate
// N*1000/1001 it is within 0.01 of, if any (e.g. 29.97 -> 30000/1001).
func RationalFromApproxFloat64(fps float64) Rational {
	if fps == math.Trunc(fps) {
		return Rational{Num: int(fps), Den: 1}
	}
	ntsc := Rational{Num: int(math.Ceil(fps)) * 1000, Den: 1001}
	if math.Abs(float64(ntsc.Num)/float64(ntsc.Den)-fps) < 1e-2 {
		return ntsc
	}
	return RationalFromFloat64(fps)
}

// RationalFromString parses "N/D", a decimal number, or "~" followed by a
// decimal number to be snapped to an NTSC rate.
func RationalFromString(s string) (Rational, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rational{}, fmt.Errorf("unable to parse Rational from an empty string")
	}

	var r Rational
	if num, den, ok := strings.Cut(s, "/"); ok {
		var err error
		if r.Num, err = strconv.Atoi(num); err != nil {
			return Rational{}, fmt.Errorf("unable to parse the numerator of %q: %w", s, err)
		}
		if r.Den, err = strconv.Atoi(den); err != nil {
			return Rational{}, fmt.Errorf("unable to parse the denominator of %q: %w", s, err)
		}
	} else {
		approx := strings.HasPrefix(s, "~")
		fps, err := strconv.ParseFloat(strings.TrimPrefix(s, "~"), 64)
		if err != nil {
			return Rational{}, fmt.Errorf("unable to parse Rational from %q: %w", s, err)
		}
		if approx {
			r = RationalFromApproxFloat64(fps)
		} else {
			r = RationalFromFloat64(fps)
		}
	}
	if r.Den == 0 {
		return Rational{}, fmt.Errorf("the denominator of %q is zero", s)
	}
	return r, nil
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// UnmarshalText accepts an empty string as the zero value (unset).
func (r *Rational) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*r = Rational{}
		return nil
	}
	v, err := RationalFromString(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

func (r Rational) MarshalText() ([]byte, error) {
	if r == (Rational{}) {
		return []byte{}, nil
	}
	return []byte(r.String()), nil
}
