package domain

import "testing"

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input   string
		want    Amount
		wantErr bool
	}{
		{input: "12", want: Amount{Units: 12}},
		{input: "12.5", want: Amount{Units: 12, Fraction: 50}},
		{input: "12.05", want: Amount{Units: 12, Fraction: 5}},
		{input: " 0.99 ", want: Amount{Fraction: 99}},
		{input: "", want: Amount{}},
		{input: "1.234", wantErr: true},
		{input: "1.", wantErr: true},
		{input: "-1", wantErr: true},
		{input: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAmount(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseAmount(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAmount_DebitBorrows(t *testing.T) {
	balance := Amount{Units: 5, Fraction: 10}

	got := balance.Debit(Amount{Units: 1, Fraction: 25})
	if want := (Amount{Units: 3, Fraction: 85}); got != want {
		t.Errorf("Debit() = %s, want %s", got, want)
	}
	if back := got.Credit(Amount{Units: 1, Fraction: 25}); back != balance {
		t.Errorf("Credit() = %s, want %s", back, balance)
	}
}

func TestAmount_Covers(t *testing.T) {
	tests := []struct {
		balance, cost Amount
		want          bool
	}{
		{Amount{Units: 1}, Amount{Units: 1}, true},
		{Amount{Units: 1, Fraction: 24}, Amount{Units: 1, Fraction: 25}, false},
		{Amount{Units: 2}, Amount{Units: 1, Fraction: 99}, true},
		{Amount{}, Amount{}, true},
	}
	for _, tt := range tests {
		if got := tt.balance.Covers(tt.cost); got != tt.want {
			t.Errorf("%s.Covers(%s) = %v, want %v", tt.balance, tt.cost, got, tt.want)
		}
	}
}

func TestMaskToken(t *testing.T) {
	if got := MaskToken("abcdefghijkl"); got != "abcd...ijkl" {
		t.Errorf("MaskToken() = %q", got)
	}
	if got := MaskToken("short"); got != "*****" {
		t.Errorf("MaskToken(short) = %q", got)
	}
}
