package timing

import (
	"encoding/json"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		num, den int64
		want     Fraction
	}{
		{"reduces", 2, 4, Fraction{1, 2}},
		{"negative denominator", 1, -4, Fraction{-1, 4}},
		{"zero numerator", 0, 7, Zero},
		{"zero denominator", 3, 0, Zero},
		{"whole", 8, 8, Fraction{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.num, tt.den); got != tt.want {
				t.Errorf("New(%d, %d) = %v, want %v", tt.num, tt.den, got, tt.want)
			}
		})
	}
}

func TestArithmetic(t *testing.T) {
	q := New(1, 4)
	e := New(1, 8)

	if got := q.Add(e); got != New(3, 8) {
		t.Errorf("1/4 + 1/8 = %v, want 3/8", got)
	}
	if got := q.Sub(e); got != e {
		t.Errorf("1/4 - 1/8 = %v, want 1/8", got)
	}
	if got := q.Mul(Int(3)); got != New(3, 4) {
		t.Errorf("1/4 * 3 = %v, want 3/4", got)
	}
	if got := New(3, 4).Div(q); got != Int(3) {
		t.Errorf("3/4 / 1/4 = %v, want 3", got)
	}
	if got := q.Div(Zero); got != Zero {
		t.Errorf("1/4 / 0 = %v, want 0", got)
	}
	var zero Fraction
	if got := zero.Add(q); got != q {
		t.Errorf("zero value + 1/4 = %v, want 1/4", got)
	}
}

func TestCmp(t *testing.T) {
	if New(1, 3).Cmp(New(1, 2)) != -1 {
		t.Error("1/3 should be less than 1/2")
	}
	if New(2, 4).Cmp(New(1, 2)) != 0 {
		t.Error("2/4 should equal 1/2")
	}
	if !New(-1, 8).Less(Zero) {
		t.Error("-1/8 should be less than 0")
	}
	var zero Fraction
	if !zero.Equal(Zero) || !zero.IsZero() {
		t.Error("zero value should equal Zero")
	}
}

func TestFloor(t *testing.T) {
	tests := []struct {
		in   Fraction
		want int64
	}{
		{New(7, 4), 1},
		{New(8, 4), 2},
		{New(-1, 4), -1},
		{Zero, 0},
	}
	for _, tt := range tests {
		if got := tt.in.Floor(); got != tt.want {
			t.Errorf("%v.Floor() = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Fraction
		wantErr bool
	}{
		{"3/4", New(3, 4), false},
		{"2", Int(2), false},
		{" 6/8 ", New(3, 4), false},
		{"1/0", Zero, true},
		{"x", Zero, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		base, dots int
		want       Fraction
	}{
		{4, 0, New(1, 4)},
		{4, 1, New(3, 8)},
		{2, 2, New(7, 8)},
		{1, 0, Int(1)},
		{0, 0, Zero},
	}
	for _, tt := range tests {
		if got := Duration(tt.base, tt.dots); got != tt.want {
			t.Errorf("Duration(%d, %d) = %v, want %v", tt.base, tt.dots, got, tt.want)
		}
	}
}

func TestNoteValue(t *testing.T) {
	tests := []struct {
		in       Fraction
		base     int
		dots     int
		expected bool
	}{
		{New(1, 4), 4, 0, true},
		{New(3, 8), 4, 1, true},
		{New(7, 16), 4, 2, true},
		{Int(1), 1, 0, true},
		{New(3, 4), 2, 1, true},
		{New(5, 8), 0, 0, false},
		{New(1, 3), 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			base, dots, ok := NoteValue(tt.in)
			if ok != tt.expected || base != tt.base || dots != tt.dots {
				t.Errorf("NoteValue(%v) = (%d, %d, %v), want (%d, %d, %v)",
					tt.in, base, dots, ok, tt.base, tt.dots, tt.expected)
			}
		})
	}
}

func TestJSON(t *testing.T) {
	type wrap struct {
		D Fraction `json:"d"`
	}
	data, err := json.Marshal(wrap{New(3, 8)})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"d":"3/8"}` {
		t.Errorf("Marshal() = %s, want {\"d\":\"3/8\"}", data)
	}
	var back wrap
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.D != New(3, 8) {
		t.Errorf("Unmarshal() = %v, want 3/8", back.D)
	}
}

func TestLCM(t *testing.T) {
	if got := LCM(4, 6); got != 12 {
		t.Errorf("LCM(4, 6) = %d, want 12", got)
	}
	if got := LCM(0, 6); got != 0 {
		t.Errorf("LCM(0, 6) = %d, want 0", got)
	}
}
