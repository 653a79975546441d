// Package pet evaluates a peritoneal equilibration test: solute transport
// ratios, the Twardowski transport class and optional weekly Kt/V.
package pet

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrInvalid = errors.New("invalid PET input")

// Transport classes.
const (
	High        = "High"
	HighAverage = "High-Average"
	LowAverage  = "Low-Average"
	Low         = "Low"
)

// WatsonVolumeFactor approximates total body water as a fraction of weight.
const WatsonVolumeFactor = 0.58

// Input holds creatinine and glucose samples in matching units (mg/dL or
// µmol/L, as long as dialysate and serum agree).
type Input struct {
	DialysateCreatinine0h float64 `json:"dialysate_creatinine_0h"`
	DialysateCreatinine2h float64 `json:"dialysate_creatinine_2h"`
	DialysateCreatinine4h float64 `json:"dialysate_creatinine_4h"`
	SerumCreatinine       float64 `json:"serum_creatinine"`
	DialysateGlucose0h    float64 `json:"dialysate_glucose_0h"`
	DialysateGlucose2h    float64 `json:"dialysate_glucose_2h"`
	DialysateGlucose4h    float64 `json:"dialysate_glucose_4h"`

	DrainVolumeML *float64 `json:"drain_volume_ml,omitempty"`
	FillVolumeML  *float64 `json:"fill_volume_ml,omitempty"`

	Clearance *ClearanceInput `json:"clearance,omitempty"`
}

// ClearanceInput is a 24-hour collection for weekly Kt/V.
type ClearanceInput struct {
	DialysateUrea   float64  `json:"dialysate_urea"`
	SerumUrea       float64  `json:"serum_urea"`
	DrainVolume24hL float64  `json:"drain_volume_24h_l"`
	WeightKg        float64  `json:"weight_kg"`
	UrineUrea       *float64 `json:"urine_urea,omitempty"`
	UrineVolume24hL *float64 `json:"urine_volume_24h_l,omitempty"`
}

type Result struct {
	DPCreatinine2h float64  `json:"dp_creatinine_2h"`
	DPCreatinine4h float64  `json:"dp_creatinine_4h"`
	DD0Glucose2h   float64  `json:"dd0_glucose_2h"`
	DD0Glucose4h   float64  `json:"dd0_glucose_4h"`
	NetUFML        *float64 `json:"net_uf_ml,omitempty"`
	TransportClass string   `json:"transport_class"`
	GlucoseClass   string   `json:"glucose_class"`
	Clearance      *Kt      `json:"clearance,omitempty"`
}

// Kt is the weekly urea clearance split into its peritoneal and renal parts.
type Kt struct {
	VolumeL       float64 `json:"volume_l"`
	PeritonealKtV float64 `json:"peritoneal_kt_v"`
	RenalKtV      float64 `json:"renal_kt_v"`
	WeeklyKtV     float64 `json:"weekly_kt_v"`
}

// Calculate validates in and derives the PET ratios. Ratios are rounded to
// two decimals before classification.
func Calculate(in Input) (*Result, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	r := &Result{
		DPCreatinine2h: round2(in.DialysateCreatinine2h / in.SerumCreatinine),
		DPCreatinine4h: round2(in.DialysateCreatinine4h / in.SerumCreatinine),
		DD0Glucose2h:   round2(in.DialysateGlucose2h / in.DialysateGlucose0h),
		DD0Glucose4h:   round2(in.DialysateGlucose4h / in.DialysateGlucose0h),
	}
	r.TransportClass = CreatinineClass(r.DPCreatinine4h)
	r.GlucoseClass = GlucoseClass(r.DD0Glucose4h)

	if in.DrainVolumeML != nil && in.FillVolumeML != nil {
		uf := *in.DrainVolumeML - *in.FillVolumeML
		r.NetUFML = &uf
	}
	if in.Clearance != nil {
		r.Clearance = in.Clearance.weekly()
	}
	return r, nil
}

// CreatinineClass bands a 4-hour D/P creatinine ratio.
func CreatinineClass(dp float64) string {
	switch {
	case dp >= 0.81:
		return High
	case dp >= 0.65:
		return HighAverage
	case dp >= 0.50:
		return LowAverage
	default:
		return Low
	}
}

// GlucoseClass bands a 4-hour D/D0 glucose ratio. Faster transport absorbs
// more glucose, so low ratios mean high transport.
func GlucoseClass(dd0 float64) string {
	switch {
	case dd0 <= 0.26:
		return High
	case dd0 <= 0.38:
		return HighAverage
	case dd0 <= 0.48:
		return LowAverage
	default:
		return Low
	}
}

func (c ClearanceInput) weekly() *Kt {
	v := WatsonVolumeFactor * c.WeightKg
	peritoneal := c.DialysateUrea / c.SerumUrea * c.DrainVolume24hL
	renal := 0.0
	if c.UrineUrea != nil && c.UrineVolume24hL != nil {
		renal = *c.UrineUrea / c.SerumUrea * *c.UrineVolume24hL
	}
	return &Kt{
		VolumeL:       round2(v),
		PeritonealKtV: round2(7 * peritoneal / v),
		RenalKtV:      round2(7 * renal / v),
		WeeklyKtV:     round2(7 * (peritoneal + renal) / v),
	}
}

func (in Input) validate() error {
	if in.SerumCreatinine <= 0 {
		return fmt.Errorf("%w: serum_creatinine must be greater than zero", ErrInvalid)
	}
	if in.DialysateGlucose0h <= 0 {
		return fmt.Errorf("%w: dialysate_glucose_0h must be greater than zero", ErrInvalid)
	}
	fields := map[string]float64{
		"serum_creatinine":        in.SerumCreatinine,
		"dialysate_glucose_0h":    in.DialysateGlucose0h,
		"dialysate_creatinine_0h": in.DialysateCreatinine0h,
		"dialysate_creatinine_2h": in.DialysateCreatinine2h,
		"dialysate_creatinine_4h": in.DialysateCreatinine4h,
		"dialysate_glucose_2h":    in.DialysateGlucose2h,
		"dialysate_glucose_4h":    in.DialysateGlucose4h,
	}
	if in.DrainVolumeML != nil {
		fields["drain_volume_ml"] = *in.DrainVolumeML
	}
	if in.FillVolumeML != nil {
		fields["fill_volume_ml"] = *in.FillVolumeML
	}
	if err := nonNegative(fields); err != nil {
		return err
	}
	if in.Clearance != nil {
		return in.Clearance.validate()
	}
	return nil
}

func (c ClearanceInput) validate() error {
	if c.SerumUrea <= 0 {
		return fmt.Errorf("%w: clearance.serum_urea must be greater than zero", ErrInvalid)
	}
	if c.WeightKg <= 0 {
		return fmt.Errorf("%w: clearance.weight_kg must be greater than zero", ErrInvalid)
	}
	if (c.UrineUrea == nil) != (c.UrineVolume24hL == nil) {
		return fmt.Errorf("%w: clearance.urine_urea and clearance.urine_volume_24h_l go together", ErrInvalid)
	}
	fields := map[string]float64{
		"clearance.serum_urea":         c.SerumUrea,
		"clearance.weight_kg":          c.WeightKg,
		"clearance.dialysate_urea":     c.DialysateUrea,
		"clearance.drain_volume_24h_l": c.DrainVolume24hL,
	}
	if c.UrineUrea != nil {
		fields["clearance.urine_urea"] = *c.UrineUrea
		fields["clearance.urine_volume_24h_l"] = *c.UrineVolume24hL
	}
	return nonNegative(fields)
}

// nonNegative rejects negative or non-finite values, reporting the first
// offending field in name order.
func nonNegative(fields map[string]float64) error {
	var bad []string
	for name, v := range fields {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			bad = append(bad, name)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return fmt.Errorf("%w: %s must be a non-negative number", ErrInvalid, bad[0])
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
