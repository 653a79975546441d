package pet

import (
	"errors"
	"math"
	"testing"
)

func ptr[T any](v T) *T { return &v }

func sampleInput() Input {
	return Input{
		DialysateCreatinine0h: 0.5,
		DialysateCreatinine2h: 5.4,
		DialysateCreatinine4h: 7.2,
		SerumCreatinine:       10,
		DialysateGlucose0h:    2000,
		DialysateGlucose2h:    1000,
		DialysateGlucose4h:    700,
	}
}

func TestCalculate(t *testing.T) {
	in := sampleInput()
	in.DrainVolumeML = ptr(2350.0)
	in.FillVolumeML = ptr(2000.0)

	r, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.DPCreatinine2h != 0.54 || r.DPCreatinine4h != 0.72 {
		t.Errorf("unexpected D/P creatinine %v / %v", r.DPCreatinine2h, r.DPCreatinine4h)
	}
	if r.DD0Glucose2h != 0.5 || r.DD0Glucose4h != 0.35 {
		t.Errorf("unexpected D/D0 glucose %v / %v", r.DD0Glucose2h, r.DD0Glucose4h)
	}
	if r.TransportClass != HighAverage || r.GlucoseClass != HighAverage {
		t.Errorf("unexpected classes %s / %s", r.TransportClass, r.GlucoseClass)
	}
	if r.NetUFML == nil || *r.NetUFML != 350 {
		t.Errorf("expected net UF 350, got %v", r.NetUFML)
	}
	if r.Clearance != nil {
		t.Error("expected no clearance without clearance input")
	}
}

func TestCalculate_NoNetUFWithoutBothVolumes(t *testing.T) {
	in := sampleInput()
	in.DrainVolumeML = ptr(2200.0)
	r, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.NetUFML != nil {
		t.Errorf("expected no net UF, got %v", *r.NetUFML)
	}
}

func TestCreatinineClass(t *testing.T) {
	tests := []struct {
		dp   float64
		want string
	}{
		{1.03, High},
		{0.81, High},
		{0.80, HighAverage},
		{0.65, HighAverage},
		{0.64, LowAverage},
		{0.50, LowAverage},
		{0.49, Low},
		{0, Low},
	}
	for _, tt := range tests {
		if got := CreatinineClass(tt.dp); got != tt.want {
			t.Errorf("CreatinineClass(%v) = %s, want %s", tt.dp, got, tt.want)
		}
	}
}

func TestGlucoseClass(t *testing.T) {
	tests := []struct {
		dd0  float64
		want string
	}{
		{0.12, High},
		{0.26, High},
		{0.27, HighAverage},
		{0.38, HighAverage},
		{0.39, LowAverage},
		{0.48, LowAverage},
		{0.49, Low},
		{0.61, Low},
	}
	for _, tt := range tests {
		if got := GlucoseClass(tt.dd0); got != tt.want {
			t.Errorf("GlucoseClass(%v) = %s, want %s", tt.dd0, got, tt.want)
		}
	}
}

func TestCalculate_RoundsBeforeClassifying(t *testing.T) {
	in := sampleInput()
	in.DialysateCreatinine4h = 8.06 // 0.806 rounds to 0.81
	r, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.DPCreatinine4h != 0.81 || r.TransportClass != High {
		t.Errorf("expected 0.81 High, got %v %s", r.DPCreatinine4h, r.TransportClass)
	}
}

func TestCalculate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *Input)
	}{
		{"zero serum creatinine", func(in *Input) { in.SerumCreatinine = 0 }},
		{"negative serum creatinine", func(in *Input) { in.SerumCreatinine = -1 }},
		{"zero initial glucose", func(in *Input) { in.DialysateGlucose0h = 0 }},
		{"negative dialysate creatinine", func(in *Input) { in.DialysateCreatinine2h = -0.1 }},
		{"negative glucose sample", func(in *Input) { in.DialysateGlucose4h = -5 }},
		{"negative drain volume", func(in *Input) { in.DrainVolumeML = ptr(-10.0) }},
		{"infinite serum creatinine", func(in *Input) { in.SerumCreatinine = math.Inf(1) }},
		{"clearance without weight", func(in *Input) {
			in.Clearance = &ClearanceInput{DialysateUrea: 50, SerumUrea: 60, DrainVolume24hL: 10}
		}},
		{"clearance with zero serum urea", func(in *Input) {
			in.Clearance = &ClearanceInput{DialysateUrea: 50, DrainVolume24hL: 10, WeightKg: 70}
		}},
		{"urine urea without volume", func(in *Input) {
			in.Clearance = &ClearanceInput{DialysateUrea: 50, SerumUrea: 60, DrainVolume24hL: 10, WeightKg: 70, UrineUrea: ptr(300.0)}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sampleInput()
			tt.mutate(&in)
			_, err := Calculate(in)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestCalculate_WeeklyKtV(t *testing.T) {
	in := sampleInput()
	in.Clearance = &ClearanceInput{
		DialysateUrea:   54,
		SerumUrea:       60,
		DrainVolume24hL: 10,
		WeightKg:        70,
	}
	r, err := Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// V = 40.6 L; 7 * (0.9 * 10) / 40.6 = 1.55
	if r.Clearance.VolumeL != 40.6 || r.Clearance.WeeklyKtV != 1.55 || r.Clearance.RenalKtV != 0 {
		t.Errorf("unexpected clearance %+v", r.Clearance)
	}

	in.Clearance.UrineUrea = ptr(600.0)
	in.Clearance.UrineVolume24hL = ptr(0.5)
	r, err = Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// renal = 600/60 * 0.5 = 5 L/day; 7 * 5 / 40.6 = 0.86; total 7 * 14 / 40.6 = 2.41
	if r.Clearance.RenalKtV != 0.86 || r.Clearance.WeeklyKtV != 2.41 {
		t.Errorf("unexpected clearance %+v", r.Clearance)
	}
}
