// Package timing provides exact rational arithmetic for musical durations
// and positions.
//
// Durations are expressed in whole notes: a quarter note is 1/4, a dotted
// half is 3/4. Positions inside a measure use the same unit.
package timing

import (
	"fmt"
	"strconv"
	"strings"
)

// Fraction is a normalized rational number. The zero value is zero.
type Fraction struct {
	Num int64
	Den int64
}

// Zero is the zero fraction in normalized form.
var Zero = Fraction{0, 1}

// New returns num/den normalized. A zero denominator yields Zero.
func New(num, den int64) Fraction {
	if den == 0 {
		return Zero
	}
	if den < 0 {
		num, den = -num, -den
	}
	if num == 0 {
		return Zero
	}
	g := gcd(abs(num), den)
	return Fraction{num / g, den / g}
}

// Int returns n as a fraction.
func Int(n int64) Fraction {
	return Fraction{n, 1}
}

func (f Fraction) norm() Fraction {
	if f.Den == 0 {
		return Zero
	}
	return f
}

// Add returns f + g.
func (f Fraction) Add(g Fraction) Fraction {
	f, g = f.norm(), g.norm()
	return New(f.Num*g.Den+g.Num*f.Den, f.Den*g.Den)
}

// Sub returns f - g.
func (f Fraction) Sub(g Fraction) Fraction {
	f, g = f.norm(), g.norm()
	return New(f.Num*g.Den-g.Num*f.Den, f.Den*g.Den)
}

// Mul returns f * g.
func (f Fraction) Mul(g Fraction) Fraction {
	f, g = f.norm(), g.norm()
	return New(f.Num*g.Num, f.Den*g.Den)
}

// Div returns f / g. Dividing by zero yields Zero.
func (f Fraction) Div(g Fraction) Fraction {
	f, g = f.norm(), g.norm()
	if g.Num == 0 {
		return Zero
	}
	return New(f.Num*g.Den, f.Den*g.Num)
}

// Cmp returns -1, 0 or +1 depending on whether f is less than, equal to
// or greater than g.
func (f Fraction) Cmp(g Fraction) int {
	f, g = f.norm(), g.norm()
	l, r := f.Num*g.Den, g.Num*f.Den
	switch {
	case l < r:
		return -1
	case l > r:
		return 1
	}
	return 0
}

// Equal reports whether f and g denote the same value.
func (f Fraction) Equal(g Fraction) bool { return f.Cmp(g) == 0 }

// Less reports whether f < g.
func (f Fraction) Less(g Fraction) bool { return f.Cmp(g) < 0 }

// IsZero reports whether f is zero.
func (f Fraction) IsZero() bool { return f.Num == 0 || f.Den == 0 }

// Sign returns -1, 0 or +1.
func (f Fraction) Sign() int { return f.Cmp(Zero) }

// Float returns the floating-point approximation of f.
func (f Fraction) Float() float64 {
	f = f.norm()
	return float64(f.Num) / float64(f.Den)
}

// Floor returns the largest integer not greater than f.
func (f Fraction) Floor() int64 {
	f = f.norm()
	q := f.Num / f.Den
	if f.Num%f.Den != 0 && f.Num < 0 {
		q--
	}
	return q
}

// String formats f as "n" or "n/d".
func (f Fraction) String() string {
	f = f.norm()
	if f.Den == 1 {
		return strconv.FormatInt(f.Num, 10)
	}
	return fmt.Sprintf("%d/%d", f.Num, f.Den)
}

// MarshalText encodes f in its String form.
func (f Fraction) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText decodes the String form.
func (f *Fraction) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Parse reads "n" or "n/d".
func Parse(s string) (Fraction, error) {
	s = strings.TrimSpace(s)
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
	if err != nil {
		return Zero, fmt.Errorf("invalid fraction %q: %w", s, err)
	}
	if !found {
		return Int(n), nil
	}
	d, err := strconv.ParseInt(strings.TrimSpace(den), 10, 64)
	if err != nil {
		return Zero, fmt.Errorf("invalid fraction %q: %w", s, err)
	}
	if d == 0 {
		return Zero, fmt.Errorf("invalid fraction %q: zero denominator", s)
	}
	return New(n, d), nil
}

// Duration returns the length of a note value 1/base with the given
// number of augmentation dots.
func Duration(base, dots int) Fraction {
	if base <= 0 {
		return Zero
	}
	d := New(1, int64(base))
	add := d
	for i := 0; i < dots; i++ {
		add = add.Mul(New(1, 2))
		d = d.Add(add)
	}
	return d
}

// NoteValue splits d into a note value 1/base with dots. It reports false
// when d is not expressible that way with at most three dots.
func NoteValue(d Fraction) (base, dots int, ok bool) {
	d = d.norm()
	if d.Sign() <= 0 {
		return 0, 0, false
	}
	for dots = 0; dots <= 3; dots++ {
		// d = (2^(dots+1)-1) / (base * 2^dots)
		mult := int64(1)<<(dots+1) - 1
		q := d.Div(Int(mult))
		if q.Num != 1 {
			continue
		}
		b := q.Den >> dots
		if b<<dots != q.Den || b == 0 {
			continue
		}
		if b&(b-1) != 0 {
			continue
		}
		return int(b), dots, true
	}
	return 0, 0, false
}

// LCM returns the least common multiple of a and b (both positive).
func LCM(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

func abs(a int64) int64 {
	if a < 0 {
		return -a
	}
	return a
}
